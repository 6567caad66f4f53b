package mysql

import (
	"bufio"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"EffiSend-Agent/deploy/migrations"
)

const (
	migrationLockName    = "effisend_schema_migrations"
	migrationLockTimeout = 30
)

// migration 是一个按版本号排序执行的 SQL 文件。
type migration struct {
	version    string
	file       string
	checksum   string
	statements []string
}

// Migrate 执行 deploy/migrations 中尚未应用的迁移。
func Migrate(ctx context.Context, db *sql.DB) error {
	return MigrateFS(ctx, db, migrations.Files)
}

// MigrateFS 在 GET_LOCK 保护下逐个应用 src 中的迁移，多个实例同时冷启动时只有一个会执行。
// 已应用迁移的内容被修改时返回错误。
func MigrateFS(ctx context.Context, db *sql.DB, src fs.FS) error {
	pending, err := readMigrations(src)
	if err != nil {
		return err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("获取迁移连接失败: %w", err)
	}
	defer conn.Close()

	var locked sql.NullInt64
	if err := conn.QueryRowContext(ctx, `SELECT GET_LOCK(?, ?)`, migrationLockName, migrationLockTimeout).Scan(&locked); err != nil {
		return fmt.Errorf("获取迁移锁失败: %w", err)
	}
	if !locked.Valid || locked.Int64 != 1 {
		return fmt.Errorf("等待迁移锁超时")
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), `SELECT RELEASE_LOCK(?)`, migrationLockName) //nolint:errcheck

	if _, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        checksum CHAR(64) NOT NULL,
        applied_at BIGINT NOT NULL
)`); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}

	applied, err := appliedChecksums(ctx, conn)
	if err != nil {
		return err
	}
	for _, m := range pending {
		sum, ok := applied[m.version]
		if ok {
			if sum != m.checksum {
				return fmt.Errorf("迁移 %s 在应用后被修改", m.file)
			}
			continue
		}
		if err := m.apply(ctx, conn); err != nil {
			return err
		}
	}
	return nil
}

func appliedChecksums(ctx context.Context, conn *sql.Conn) (map[string]string, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		out[version] = checksum
	}
	return out, rows.Err()
}

// apply 在单个事务中执行迁移。MySQL 的 DDL 会隐式提交，因此迁移文件需保持幂等。
func (m migration) apply(ctx context.Context, conn *sql.Conn) (err error) {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for i, stmt := range m.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("执行迁移 %s 第 %d 条语句失败: %w", m.file, i+1, err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?)`,
		m.version, m.checksum, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("记录迁移版本失败: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

// readMigrations 读取 src 根目录下的 .sql 文件，文件名形如 0001_name.sql。
func readMigrations(src fs.FS) ([]migration, error) {
	files, err := fs.Glob(src, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	seen := make(map[string]string, len(files))
	out := make([]migration, 0, len(files))
	for _, file := range files {
		version, _, ok := strings.Cut(strings.TrimSuffix(path.Base(file), ".sql"), "_")
		if !ok || version == "" {
			return nil, fmt.Errorf("迁移文件名 %s 缺少版本前缀", file)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移 %s 与 %s 版本号重复", file, prev)
		}
		seen[version] = file

		content, err := fs.ReadFile(src, file)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", file, err)
		}
		statements := splitStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		sum := sha256.Sum256(content)
		out = append(out, migration{
			version:    version,
			file:       file,
			checksum:   hex.EncodeToString(sum[:]),
			statements: statements,
		})
	}

	slices.SortFunc(out, func(a, b migration) int { return strings.Compare(a.version, b.version) })
	return out, nil
}

// splitStatements 去掉整行的 "--" 注释后按分号切分。
func splitStatements(content string) []string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}

	var out []string
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
