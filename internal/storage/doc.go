// Package storage 打开集成库连接（MySQL 或 SQLite），并应用 deploy/migrations 中的嵌入式迁移。
package storage
