// Package mysql 提供基于 MySQL 的账户存储、内嵌 schema 迁移与连接池管理。
// 开户的原子性依赖 accounts 表主键上的唯一约束。
package mysql
