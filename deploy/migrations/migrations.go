// Package migrations 内嵌 MySQL 建表脚本，文件名以四位版本号开头。
package migrations

import "embed"

// Files 由 internal/storage/mysql 在连接建立后按版本号顺序应用。
//
//go:embed *.sql
var Files embed.FS
