package succession

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "AgentMarket-Chain/internal/errors"
	storagemysql "AgentMarket-Chain/internal/storage/mysql"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"
)

// MySQLStore 使用 MySQL 持久化 AgentState。
type MySQLStore struct {
	db *sql.DB
}

// MySQLConfig 控制 MySQL 连接池参数。
type MySQLConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewMySQLStore 创建一个新的 MySQLStore。
func NewMySQLStore(ctx context.Context, cfg MySQLConfig) (*MySQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN 不能为空")
	}

	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(20)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(10)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(10 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 MySQL")
	}

	if err := storagemysql.Apply(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQLStore{db: db}, nil
}

// Create 插入新记录，主键冲突映射为 ErrAlreadyRegistered。
func (s *MySQLStore) Create(ctx context.Context, state *AgentState) error {
	const stmt = `INSERT INTO agent_states (owner, successor, last_heartbeat, offline, handover_deadline)
        VALUES (?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		state.Owner.Hex(),
		successorString(state.Successor),
		state.LastHeartbeat,
		state.Offline,
		state.HandoverDeadline,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrAlreadyRegistered
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入代理记录失败")
	}
	return nil
}

// Get 返回指定所有者的记录。
func (s *MySQLStore) Get(ctx context.Context, owner common.Address) (*AgentState, error) {
	const stmt = `SELECT owner, successor, last_heartbeat, offline, handover_deadline
        FROM agent_states WHERE owner = ?`

	row := s.db.QueryRowContext(ctx, stmt, owner.Hex())
	state, err := scanAgentState(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询代理记录失败")
	}
	return state, nil
}

// Update 覆盖写回记录。
func (s *MySQLStore) Update(ctx context.Context, state *AgentState) error {
	const stmt = `UPDATE agent_states SET successor = ?, last_heartbeat = ?, offline = ?, handover_deadline = ?
        WHERE owner = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		successorString(state.Successor),
		state.LastHeartbeat,
		state.Offline,
		state.HandoverDeadline,
		state.Owner.Hex(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新代理记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, getErr := s.Get(ctx, state.Owner); getErr != nil {
			return getErr
		}
	}
	return nil
}

// GetBySuccessor 返回把指定地址列为继任者的全部记录。
func (s *MySQLStore) GetBySuccessor(ctx context.Context, successor common.Address) ([]*AgentState, error) {
	const stmt = `SELECT owner, successor, last_heartbeat, offline, handover_deadline
        FROM agent_states WHERE successor = ?`

	rows, err := s.db.QueryContext(ctx, stmt, successor.Hex())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "按继任者查询失败")
	}
	defer rows.Close()

	var states []*AgentState
	for rows.Next() {
		state, err := scanAgentState(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析代理记录失败")
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历代理记录失败")
	}
	return states, nil
}

// Move 在单个事务内删除旧记录并写入新记录。
func (s *MySQLStore) Move(ctx context.Context, oldOwner common.Address, next *AgentState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM agent_states WHERE owner = ?`, oldOwner.Hex())
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除旧所有者记录失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrAgentNotFound
	}

	const upsert = `INSERT INTO agent_states (owner, successor, last_heartbeat, offline, handover_deadline)
        VALUES (?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE successor = VALUES(successor), last_heartbeat = VALUES(last_heartbeat),
        offline = VALUES(offline), handover_deadline = VALUES(handover_deadline)`
	if _, err := tx.ExecContext(ctx, upsert,
		next.Owner.Hex(),
		successorString(next.Successor),
		next.LastHeartbeat,
		next.Offline,
		next.HandoverDeadline,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入新所有者记录失败")
	}

	if err := tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交交接事务失败")
	}
	return nil
}

// List 返回全部记录。
func (s *MySQLStore) List(ctx context.Context) ([]*AgentState, error) {
	const stmt = `SELECT owner, successor, last_heartbeat, offline, handover_deadline FROM agent_states`

	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询代理列表失败")
	}
	defer rows.Close()

	var states []*AgentState
	for rows.Next() {
		state, err := scanAgentState(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析代理记录失败")
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历代理记录失败")
	}
	return states, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentState(row rowScanner) (*AgentState, error) {
	var state AgentState
	var owner, successor string
	if err := row.Scan(&owner, &successor, &state.LastHeartbeat, &state.Offline, &state.HandoverDeadline); err != nil {
		return nil, err
	}
	state.Owner = common.HexToAddress(owner)
	if strings.TrimSpace(successor) != "" {
		addr := common.HexToAddress(successor)
		state.Successor = &addr
	}
	return &state, nil
}

func successorString(addr *common.Address) string {
	if addr == nil {
		return ""
	}
	return addr.Hex()
}

var _ Store = (*MySQLStore)(nil)
