// Package account 负责托管账户的查找与首次开户。
//
// 每个 user 最多对应一个账户：首次接触时生成签名密钥、银行 CLABE 与
// 平台自动入金 CLABE，全部外部登记成功后才以 create-if-absent 方式落库。
// 签名密钥只以密文形式存储，且不会出现在 Account 结构体中。
package account
