// Package storage 提供数据存储层的实现，包括 Redis 和 PostgreSQL 两种存储方式。
// 本文件实现了基于 PostgreSQL 的持久化存储功能，主要用于：
//   - 函数(Function)定义及其已归一化限额的 CRUD 操作
//   - 激活记录(Activation)的存储、查询与保留策略清理
//   - 数据库迁移
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq" // PostgreSQL 驱动
	"github.com/oriys/stratus/internal/config"
	"github.com/oriys/stratus/internal/domain"
)

// PostgresStore 是 PostgreSQL 存储的封装结构体。
// 提供函数定义和激活记录的持久化存储功能。
type PostgresStore struct {
	db *sql.DB // 数据库连接池
}

// NewPostgresStore 创建并初始化一个新的 PostgreSQL 存储实例。
// 该函数会建立数据库连接、配置连接池参数并执行数据库迁移。
//
// 参数:
//   - cfg: PostgreSQL 配置信息，包含主机、端口、用户名、密码和数据库名等
//
// 返回值:
//   - *PostgresStore: 初始化完成的 PostgreSQL 存储实例
//   - error: 连接失败或迁移失败时返回错误信息
func NewPostgresStore(cfg config.PostgresConfig) (*PostgresStore, error) {
	// 构建 PostgreSQL 连接字符串 (DSN)
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database,
	)

	// 打开数据库连接
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 配置连接池参数
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxConnections / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	// 使用 5 秒超时测试数据库连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &PostgresStore{db: db}
	// 执行数据库迁移，创建所需的表结构
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// migrate 执行数据库迁移，创建应用所需的表结构和索引。
// 使用 IF NOT EXISTS 确保迁移的幂等性。
func (s *PostgresStore) migrate() error {
	migrations := []string{
		// 创建 functions 表 - 存储函数定义
		// 限额列在准入校验之后写入，因此持久化的函数永远携带完整的
		// 归一化限额；NULL 只会出现在手工导入的历史数据中。
		// 字段说明：
		//   - id: 函数唯一标识符 (UUID)
		//   - name: 函数名称，全局唯一
		//   - runtime: 运行时类型（如 python3.11, nodejs20, wasm, exec）
		//   - handler: 函数入口点（如 main.handler）
		//   - code: 函数源代码或 base64 编码的模块内容
		//   - code_size: 代码字节数（准入时与平台代码上限比较）
		//   - code_hash: 代码哈希值，用于温沙箱失效判定
		//   - timeout_ms/memory_mb/logs_mb/concurrency: 归一化后的限额
		`CREATE TABLE IF NOT EXISTS functions (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(64) UNIQUE NOT NULL,
			description TEXT,
			runtime VARCHAR(32) NOT NULL,
			handler VARCHAR(256) NOT NULL,
			code TEXT,
			code_size BIGINT NOT NULL DEFAULT 0,
			code_hash VARCHAR(64),
			timeout_ms BIGINT,
			memory_mb INTEGER,
			logs_mb INTEGER,
			concurrency INTEGER,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`,
		// 为函数名称创建索引，加速按名称查询
		`CREATE INDEX IF NOT EXISTS idx_functions_name ON functions(name)`,

		// 创建 activations 表 - 存储激活记录
		// 字段说明：
		//   - id: 激活记录唯一标识符 (UUID)
		//   - function_id: 关联的函数 ID（外键）
		//   - function_name: 函数名称（冗余存储，便于查询）
		//   - status: 激活状态（running/success/application_error/developer_error）
		//   - input: 调用输入（JSONB 格式）
		//   - result: 工作负载结果（JSONB 格式；截断场景下为 NULL）
		//   - error: 面向调用方的错误文本（超时/内存/截断消息或应用错误）
		//   - resource_error: 沙箱级资源耗尽的结构化诊断（JSONB，可空）
		//   - logs: 治理后的日志行（截断时最后一行为合成说明）
		//   - logs_truncated/result_truncated: 流治理器的截断标记
		//   - cold_start: 是否触发了沙箱初始化
		//   - sandbox_id: 执行该激活的沙箱 ID
		//   - limits: 本次调用生效的限额副本（JSONB）
		//   - duration_ms: 执行耗时（毫秒）
		//   - billed_time_ms: 计费时长（毫秒）
		//   - memory_peak_mb: 看门狗观测到的内存峰值（MB）
		`CREATE TABLE IF NOT EXISTS activations (
			id VARCHAR(36) PRIMARY KEY,
			function_id VARCHAR(36) NOT NULL REFERENCES functions(id) ON DELETE CASCADE,
			function_name VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			input JSONB,
			result JSONB,
			error TEXT,
			resource_error JSONB,
			logs TEXT[] DEFAULT '{}',
			logs_truncated BOOLEAN NOT NULL DEFAULT FALSE,
			result_truncated BOOLEAN NOT NULL DEFAULT FALSE,
			cold_start BOOLEAN NOT NULL DEFAULT FALSE,
			sandbox_id VARCHAR(36),
			limits JSONB NOT NULL DEFAULT '{}',
			started_at TIMESTAMP WITH TIME ZONE,
			completed_at TIMESTAMP WITH TIME ZONE,
			duration_ms BIGINT DEFAULT 0,
			billed_time_ms BIGINT DEFAULT 0,
			memory_peak_mb INTEGER DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		)`,
		// 为函数 ID 创建索引，加速按函数查询激活记录
		`CREATE INDEX IF NOT EXISTS idx_activations_function_id ON activations(function_id)`,
		// 为激活状态创建索引，加速按状态筛选
		`CREATE INDEX IF NOT EXISTS idx_activations_status ON activations(status)`,
		// 为创建时间创建索引，加速时间范围查询和保留策略清理
		`CREATE INDEX IF NOT EXISTS idx_activations_created_at ON activations(created_at)`,
		// 复合索引：函数ID + 创建时间，优化按函数查询最近激活
		`CREATE INDEX IF NOT EXISTS idx_activations_function_created ON activations(function_id, created_at DESC)`,
	}

	// 依次执行所有迁移语句
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return err
		}
	}
	return nil
}

// Close 关闭数据库连接。
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// DB 返回底层数据库连接，供需要直接访问数据库的组件使用。
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping 检查数据库连接是否正常。
// 用于健康检查和连接池验证。
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ==================== 函数仓库实现 ====================

// CreateFunction 创建一个新的函数记录。
// 如果未提供 ID，将自动生成 UUID。名称冲突返回 ErrFunctionExists。
//
// 参数:
//   - fn: 函数对象，限额字段必须已经过准入校验归一化
//
// 返回值:
//   - error: 创建失败时返回错误信息
func (s *PostgresStore) CreateFunction(fn *domain.Function) error {
	// 自动生成 ID（如果未提供）
	if fn.ID == "" {
		fn.ID = uuid.New().String()
	}
	fn.CreatedAt = time.Now()
	fn.UpdatedAt = fn.CreatedAt

	// SQL: 插入函数记录到 functions 表
	query := `
		INSERT INTO functions (id, name, description, runtime, handler, code, code_size, code_hash, timeout_ms, memory_mb, logs_mb, concurrency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.db.Exec(query,
		fn.ID, fn.Name, fn.Description, fn.Runtime, fn.Handler, fn.Code, fn.CodeSize, fn.CodeHash,
		nullInt64(fn.Limits.TimeoutMs), nullInt(fn.Limits.MemoryMB), nullInt(fn.Limits.LogsMB), nullInt(fn.Limits.Concurrency),
		fn.CreatedAt, fn.UpdatedAt,
	)
	if err != nil {
		// 23505 = unique_violation，名称已被占用
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return domain.ErrFunctionExists
		}
		return fmt.Errorf("failed to create function: %w", err)
	}
	return nil
}

// GetFunctionByID 根据函数 ID 获取函数详情。
//
// 返回值:
//   - *domain.Function: 函数对象
//   - error: 函数不存在时返回 ErrFunctionNotFound，其他错误返回相应信息
func (s *PostgresStore) GetFunctionByID(id string) (*domain.Function, error) {
	query := `
		SELECT id, name, description, runtime, handler, code, code_size, code_hash, timeout_ms, memory_mb, logs_mb, concurrency, created_at, updated_at
		FROM functions WHERE id = $1
	`
	return s.scanFunction(s.db.QueryRow(query, id))
}

// GetFunctionByName 根据函数名称获取函数详情。
//
// 返回值:
//   - *domain.Function: 函数对象
//   - error: 函数不存在时返回 ErrFunctionNotFound，其他错误返回相应信息
func (s *PostgresStore) GetFunctionByName(name string) (*domain.Function, error) {
	query := `
		SELECT id, name, description, runtime, handler, code, code_size, code_hash, timeout_ms, memory_mb, logs_mb, concurrency, created_at, updated_at
		FROM functions WHERE name = $1
	`
	return s.scanFunction(s.db.QueryRow(query, name))
}

// ListFunctions 分页查询函数列表。
//
// 参数:
//   - offset: 跳过的记录数（用于分页）
//   - limit: 返回的最大记录数
//
// 返回值:
//   - []*domain.Function: 函数列表
//   - int: 函数总数（用于分页计算）
//   - error: 查询失败时返回错误信息
func (s *PostgresStore) ListFunctions(offset, limit int) ([]*domain.Function, int, error) {
	// SQL: 查询函数总数
	var total int
	err := s.db.QueryRow("SELECT COUNT(*) FROM functions").Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	// SQL: 分页查询函数列表，按创建时间倒序排列
	query := `
		SELECT id, name, description, runtime, handler, code, code_size, code_hash, timeout_ms, memory_mb, logs_mb, concurrency, created_at, updated_at
		FROM functions ORDER BY created_at DESC LIMIT $1 OFFSET $2
	`
	rows, err := s.db.Query(query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	// 预分配切片容量，减少 append 时的内存重分配
	functions := make([]*domain.Function, 0, limit)
	for rows.Next() {
		fn, err := s.scanFunctionRow(rows)
		if err != nil {
			return nil, 0, err
		}
		functions = append(functions, fn)
	}
	return functions, total, rows.Err()
}

// UpdateFunction 更新函数信息。
// 会自动更新 updated_at 时间戳。限额整体覆盖写入，调用方负责
// 在写入前让新限额完整通过准入校验。
//
// 返回值:
//   - error: 函数不存在时返回 ErrFunctionNotFound，其他错误返回相应信息
func (s *PostgresStore) UpdateFunction(fn *domain.Function) error {
	fn.UpdatedAt = time.Now()

	// SQL: 更新函数的可修改字段
	query := `
		UPDATE functions SET
			description = $2, handler = $3, code = $4, code_size = $5, code_hash = $6,
			timeout_ms = $7, memory_mb = $8, logs_mb = $9, concurrency = $10, updated_at = $11
		WHERE id = $1
	`
	result, err := s.db.Exec(query,
		fn.ID, fn.Description, fn.Handler, fn.Code, fn.CodeSize, fn.CodeHash,
		nullInt64(fn.Limits.TimeoutMs), nullInt(fn.Limits.MemoryMB), nullInt(fn.Limits.LogsMB), nullInt(fn.Limits.Concurrency),
		fn.UpdatedAt,
	)
	if err != nil {
		return err
	}
	// 检查是否有记录被更新
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrFunctionNotFound
	}
	return nil
}

// DeleteFunction 删除指定的函数。
// 关联的激活记录会因外键级联删除而自动清除。
//
// 返回值:
//   - error: 函数不存在时返回 ErrFunctionNotFound，其他错误返回相应信息
func (s *PostgresStore) DeleteFunction(id string) error {
	result, err := s.db.Exec("DELETE FROM functions WHERE id = $1", id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrFunctionNotFound
	}
	return nil
}

// scanFunction 从单行查询结果中扫描函数数据。
// 内部辅助方法，用于 GetFunctionByID 和 GetFunctionByName。
func (s *PostgresStore) scanFunction(row *sql.Row) (*domain.Function, error) {
	fn := &domain.Function{}
	var description, code, codeHash sql.NullString
	var timeoutMs sql.NullInt64
	var memoryMB, logsMB, concurrency sql.NullInt64
	err := row.Scan(
		&fn.ID, &fn.Name, &description, &fn.Runtime, &fn.Handler, &code, &fn.CodeSize, &codeHash,
		&timeoutMs, &memoryMB, &logsMB, &concurrency, &fn.CreatedAt, &fn.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrFunctionNotFound
	}
	if err != nil {
		return nil, err
	}
	applyFunctionNullables(fn, description, code, codeHash, timeoutMs, memoryMB, logsMB, concurrency)
	return fn, nil
}

// scanFunctionRow 从多行查询结果中扫描单个函数数据。
// 内部辅助方法，用于 ListFunctions。
func (s *PostgresStore) scanFunctionRow(rows *sql.Rows) (*domain.Function, error) {
	fn := &domain.Function{}
	var description, code, codeHash sql.NullString
	var timeoutMs sql.NullInt64
	var memoryMB, logsMB, concurrency sql.NullInt64
	err := rows.Scan(
		&fn.ID, &fn.Name, &description, &fn.Runtime, &fn.Handler, &code, &fn.CodeSize, &codeHash,
		&timeoutMs, &memoryMB, &logsMB, &concurrency, &fn.CreatedAt, &fn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	applyFunctionNullables(fn, description, code, codeHash, timeoutMs, memoryMB, logsMB, concurrency)
	return fn, nil
}

// applyFunctionNullables 把可空列回填到函数对象。
func applyFunctionNullables(fn *domain.Function, description, code, codeHash sql.NullString, timeoutMs, memoryMB, logsMB, concurrency sql.NullInt64) {
	if description.Valid {
		fn.Description = description.String
	}
	if code.Valid {
		fn.Code = code.String
	}
	if codeHash.Valid {
		fn.CodeHash = codeHash.String
	}
	if timeoutMs.Valid {
		v := timeoutMs.Int64
		fn.Limits.TimeoutMs = &v
	}
	if memoryMB.Valid {
		v := int(memoryMB.Int64)
		fn.Limits.MemoryMB = &v
	}
	if logsMB.Valid {
		v := int(logsMB.Int64)
		fn.Limits.LogsMB = &v
	}
	if concurrency.Valid {
		v := int(concurrency.Int64)
		fn.Limits.Concurrency = &v
	}
}

// nullInt64 将 *int64 转为可空的数据库参数。
func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// nullInt 将 *int 转为可空的数据库参数。
func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// ==================== 激活记录仓库实现 ====================

// CreateActivation 创建一条新的激活记录。
// 记录在调用入队时以 running 状态写入；终态字段由 UpdateActivation 补齐。
//
// 参数:
//   - act: 激活记录对象
//
// 返回值:
//   - error: 创建失败时返回错误信息
func (s *PostgresStore) CreateActivation(act *domain.Activation) error {
	if act.ID == "" {
		act.ID = uuid.New().String()
	}
	if act.CreatedAt.IsZero() {
		act.CreatedAt = time.Now()
	}

	limitsJSON, err := json.Marshal(act.Limits)
	if err != nil {
		return err
	}

	// JSONB 字段需要特别处理：json.RawMessage(nil) 会被 pq 当作
	// 空字符串而不是 NULL，导致 JSON 解析失败。
	var input any
	if len(act.Input) > 0 {
		input = []byte(act.Input)
	}

	// SQL: 插入激活记录的初始信息
	query := `
		INSERT INTO activations (id, function_id, function_name, status, input, logs, limits, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.db.Exec(query,
		act.ID, act.FunctionID, act.FunctionName, act.Status, input,
		pq.Array(act.Logs), limitsJSON, act.CreatedAt,
	)
	return err
}

// GetActivationByID 根据激活 ID 获取激活记录详情。
//
// 返回值:
//   - *domain.Activation: 激活记录对象
//   - error: 记录不存在时返回 ErrActivationNotFound，其他错误返回相应信息
func (s *PostgresStore) GetActivationByID(id string) (*domain.Activation, error) {
	query := `
		SELECT id, function_id, function_name, status, input, result, error, resource_error,
		       logs, logs_truncated, result_truncated, cold_start, sandbox_id, limits,
		       started_at, completed_at, duration_ms, billed_time_ms, memory_peak_mb, created_at
		FROM activations WHERE id = $1
	`
	act, err := scanActivation(s.db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, domain.ErrActivationNotFound
	}
	return act, err
}

// ListActivationsByFunction 分页查询指定函数的激活记录。
//
// 参数:
//   - functionID: 函数唯一标识符
//   - offset: 跳过的记录数（用于分页）
//   - limit: 返回的最大记录数
//
// 返回值:
//   - []*domain.Activation: 激活记录列表
//   - int: 激活记录总数（用于分页计算）
//   - error: 查询失败时返回错误信息
func (s *PostgresStore) ListActivationsByFunction(functionID string, offset, limit int) ([]*domain.Activation, int, error) {
	var total int
	err := s.db.QueryRow("SELECT COUNT(*) FROM activations WHERE function_id = $1", functionID).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	// SQL: 分页查询激活记录，按创建时间倒序排列
	query := `
		SELECT id, function_id, function_name, status, input, result, error, resource_error,
		       logs, logs_truncated, result_truncated, cold_start, sandbox_id, limits,
		       started_at, completed_at, duration_ms, billed_time_ms, memory_peak_mb, created_at
		FROM activations WHERE function_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3
	`
	rows, err := s.db.Query(query, functionID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var activations []*domain.Activation
	for rows.Next() {
		act, err := scanActivationRows(rows)
		if err != nil {
			return nil, 0, err
		}
		activations = append(activations, act)
	}
	return activations, total, rows.Err()
}

// ListActivations 分页查询全部激活记录，按创建时间倒序排列。
func (s *PostgresStore) ListActivations(offset, limit int) ([]*domain.Activation, int, error) {
	var total int
	err := s.db.QueryRow("SELECT COUNT(*) FROM activations").Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, function_id, function_name, status, input, result, error, resource_error,
		       logs, logs_truncated, result_truncated, cold_start, sandbox_id, limits,
		       started_at, completed_at, duration_ms, billed_time_ms, memory_peak_mb, created_at
		FROM activations ORDER BY created_at DESC LIMIT $1 OFFSET $2
	`
	rows, err := s.db.Query(query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var activations []*domain.Activation
	for rows.Next() {
		act, err := scanActivationRows(rows)
		if err != nil {
			return nil, 0, err
		}
		activations = append(activations, act)
	}
	return activations, total, rows.Err()
}

// UpdateActivation 更新激活记录。
// 由结果分类器在激活终结后调用一次，写入状态、响应、日志与计量字段；
// 之后记录被视为不可变。
//
// 返回值:
//   - error: 记录不存在时返回 ErrActivationNotFound，其他错误返回相应信息
func (s *PostgresStore) UpdateActivation(act *domain.Activation) error {
	// JSONB 字段的 typed-nil 处理，同 CreateActivation
	var result any
	if len(act.Response.Result) > 0 {
		result = []byte(act.Response.Result)
	}

	var resourceErrJSON any
	if act.Response.ResourceError != nil {
		data, err := json.Marshal(act.Response.ResourceError)
		if err != nil {
			return err
		}
		resourceErrJSON = data
	}

	// SQL: 更新激活记录的终态字段
	query := `
		UPDATE activations SET
			status = $2, result = $3, error = $4, resource_error = $5,
			logs = $6, logs_truncated = $7, result_truncated = $8,
			cold_start = $9, sandbox_id = $10, started_at = $11, completed_at = $12,
			duration_ms = $13, billed_time_ms = $14, memory_peak_mb = $15
		WHERE id = $1
	`
	res, err := s.db.Exec(query,
		act.ID, act.Status, result, act.Response.Error, resourceErrJSON,
		pq.Array(act.Logs), act.LogsTruncated, act.ResultTruncated,
		act.ColdStart, act.SandboxID, act.StartedAt, act.CompletedAt,
		act.DurationMs, act.BilledTimeMs, act.MemoryPeakMB,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrActivationNotFound
	}
	return nil
}

// DeleteActivationsBefore 删除早于给定时刻的激活记录。
// 供保留策略的定时清理任务调用。
//
// 返回值:
//   - int64: 被删除的记录数
//   - error: 删除失败时返回错误信息
func (s *PostgresStore) DeleteActivationsBefore(cutoff time.Time) (int64, error) {
	result, err := s.db.Exec("DELETE FROM activations WHERE created_at < $1", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// TrimActivationsPerFunction 将每个函数的激活记录裁剪到最新的 keep 条。
// 使用窗口函数按函数分组、按创建时间倒序编号，删除编号超出的行。
//
// 返回值:
//   - int64: 被删除的记录数
//   - error: 删除失败时返回错误信息
func (s *PostgresStore) TrimActivationsPerFunction(keep int) (int64, error) {
	query := `
		DELETE FROM activations WHERE id IN (
			SELECT id FROM (
				SELECT id, ROW_NUMBER() OVER (PARTITION BY function_id ORDER BY created_at DESC) AS rn
				FROM activations
			) ranked WHERE rn > $1
		)
	`
	result, err := s.db.Exec(query, keep)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// CountFunctions 返回已注册函数的总数。
func (s *PostgresStore) CountFunctions() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM functions").Scan(&count)
	return count, err
}

// CountActivations 返回激活记录的总数。
func (s *PostgresStore) CountActivations() (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM activations").Scan(&count)
	return count, err
}

// scanActivation 从单行查询结果中扫描激活记录。
func scanActivation(row *sql.Row) (*domain.Activation, error) {
	act := &domain.Activation{}
	var input, result, resourceErrJSON, limitsJSON []byte
	var errStr, sandboxID sql.NullString
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&act.ID, &act.FunctionID, &act.FunctionName, &act.Status, &input, &result, &errStr, &resourceErrJSON,
		pq.Array(&act.Logs), &act.LogsTruncated, &act.ResultTruncated, &act.ColdStart, &sandboxID, &limitsJSON,
		&startedAt, &completedAt, &act.DurationMs, &act.BilledTimeMs, &act.MemoryPeakMB, &act.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	applyActivationNullables(act, input, result, resourceErrJSON, limitsJSON, errStr, sandboxID, startedAt, completedAt)
	return act, nil
}

// scanActivationRows 从多行查询结果中扫描单条激活记录。
func scanActivationRows(rows *sql.Rows) (*domain.Activation, error) {
	act := &domain.Activation{}
	var input, result, resourceErrJSON, limitsJSON []byte
	var errStr, sandboxID sql.NullString
	var startedAt, completedAt sql.NullTime
	err := rows.Scan(
		&act.ID, &act.FunctionID, &act.FunctionName, &act.Status, &input, &result, &errStr, &resourceErrJSON,
		pq.Array(&act.Logs), &act.LogsTruncated, &act.ResultTruncated, &act.ColdStart, &sandboxID, &limitsJSON,
		&startedAt, &completedAt, &act.DurationMs, &act.BilledTimeMs, &act.MemoryPeakMB, &act.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	applyActivationNullables(act, input, result, resourceErrJSON, limitsJSON, errStr, sandboxID, startedAt, completedAt)
	return act, nil
}

// applyActivationNullables 把可空列回填到激活对象。
func applyActivationNullables(act *domain.Activation, input, result, resourceErrJSON, limitsJSON []byte, errStr, sandboxID sql.NullString, startedAt, completedAt sql.NullTime) {
	if input != nil {
		act.Input = input
	}
	if result != nil {
		act.Response.Result = result
	}
	if errStr.Valid {
		act.Response.Error = errStr.String
	}
	if len(resourceErrJSON) > 0 {
		re := &domain.ResourceExhaustion{}
		if err := json.Unmarshal(resourceErrJSON, re); err == nil {
			act.Response.ResourceError = re
		}
	}
	if len(limitsJSON) > 0 {
		json.Unmarshal(limitsJSON, &act.Limits)
	}
	if sandboxID.Valid {
		act.SandboxID = sandboxID.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		act.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		act.CompletedAt = &t
	}
}
