package migrations

import "embed"

// Files 暴露市场与继任台账的全部 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
