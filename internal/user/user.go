package user

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	stdErrors "errors"
	"fmt"
	"net/mail"
	"regexp"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	xerrors "i-vis/internal/errors"
	"i-vis/internal/storage"
	"i-vis/pkg/logger"
)

// 用户管理相关错误码。
const (
	CodeInvalidUser   xerrors.Code = "USER_INVALID"
	CodeDuplicateUser xerrors.Code = "USER_DUPLICATE"
	CodeUserNotFound  xerrors.Code = "USER_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeInvalidUser, xerrors.Attributes{Message: "invalid user", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeDuplicateUser, xerrors.Attributes{Message: "user already exists", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeUserNotFound, xerrors.Attributes{Message: "user not found", Severity: xerrors.SeverityInfo})
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

const generatedPasswordBytes = 12

// User 是持久化的账户记录。
type User struct {
	ID           int64
	Username     string
	Email        string
	PasswordHash string
	Disabled     bool
	Roles        []string
	CreatedAt    int64
}

// NewUser 描述 user create 的输入，Password 为空时自动生成。
type NewUser struct {
	Username string
	Email    string
	Password string
	Roles    []string
}

// Service 在集成库的 users/user_roles 表上管理账户。
type Service struct {
	db  *storage.DB
	now func() time.Time
}

// NewService 基于已迁移的连接创建 Service。
func NewService(db *storage.DB) (*Service, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &Service{db: db, now: time.Now}, nil
}

// duplicateUser 依据冲突的唯一索引区分用户名与邮箱，两者都由数据库约束保证唯一。
func duplicateUser(cause error, u *User) error {
	if msg := cause.Error(); strings.Contains(msg, "users.email") || strings.Contains(msg, "uq_users_email") {
		return xerrors.Wrap(CodeDuplicateUser, cause, fmt.Sprintf("邮箱已被使用: %s", u.Email))
	}
	return xerrors.Wrap(CodeDuplicateUser, cause, fmt.Sprintf("用户名已存在: %s", u.Username))
}

// Create 校验并写入新用户，返回用户记录与明文密码（仅本次可见）。
func (s *Service) Create(ctx context.Context, in NewUser) (*User, string, error) {
	username := strings.TrimSpace(in.Username)
	if !usernamePattern.MatchString(username) {
		return nil, "", xerrors.Newf(CodeInvalidUser, "用户名不合法: %q", in.Username)
	}
	email := strings.TrimSpace(in.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, "", xerrors.Wrap(CodeInvalidUser, err, "邮箱地址不合法")
	}

	password := in.Password
	if password == "" {
		generated, err := generatePassword()
		if err != nil {
			return nil, "", xerrors.Wrap(xerrors.CodeInitializationFailure, err, "生成密码失败")
		}
		password = generated
	}
	hash, err := hashPassword(password)
	if err != nil {
		return nil, "", err
	}

	u := &User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Roles:        dedupeValues(in.Roles),
		CreatedAt:    s.now().Unix(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, execErr := tx.ExecContext(ctx,
		`INSERT INTO users (username, email, password_hash, disabled, created_at) VALUES (?, ?, ?, 0, ?)`,
		u.Username, u.Email, u.PasswordHash, u.CreatedAt)
	if execErr != nil {
		if storage.IsDuplicate(execErr) {
			err = duplicateUser(execErr, u)
			return nil, "", err
		}
		err = xerrors.Wrap(xerrors.CodeStorageFailure, execErr, "保存用户失败")
		return nil, "", err
	}
	if u.ID, execErr = res.LastInsertId(); execErr != nil {
		err = xerrors.Wrap(xerrors.CodeStorageFailure, execErr, "获取用户ID失败")
		return nil, "", err
	}
	for _, role := range u.Roles {
		if _, execErr = tx.ExecContext(ctx, `INSERT INTO user_roles (user_id, role) VALUES (?, ?)`, u.ID, role); execErr != nil {
			err = xerrors.Wrap(xerrors.CodeStorageFailure, execErr, "绑定用户角色失败")
			return nil, "", err
		}
	}
	if err = tx.Commit(); err != nil {
		err = xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交用户失败")
		return nil, "", err
	}

	logger.Audit().Info("user created",
		"user_id", u.ID,
		"username", u.Username,
		"roles", u.Roles,
	)
	return u, password, nil
}

// Get 按用户名查询用户及其角色。
func (s *Service) Get(ctx context.Context, username string) (*User, error) {
	u := &User{}
	var disabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, email, password_hash, disabled, created_at FROM users WHERE username = ?`,
		strings.TrimSpace(username)).Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &disabled, &u.CreatedAt)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, xerrors.Newf(CodeUserNotFound, "用户不存在: %s", username)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用户失败")
	}
	u.Disabled = disabled != 0
	if u.Roles, err = s.roles(ctx, u.ID); err != nil {
		return nil, err
	}
	return u, nil
}

// List 返回全部用户，按 ID 升序。
func (s *Service) List(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, username, email, password_hash, disabled, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用户列表失败")
	}
	var users []*User
	for rows.Next() {
		u := &User{}
		var disabled int
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &disabled, &u.CreatedAt); err != nil {
			rows.Close()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析用户失败")
		}
		u.Disabled = disabled != 0
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历用户失败")
	}
	rows.Close()

	// SQLite 只有一个连接，角色需在结果集关闭后再查。
	for _, u := range users {
		if u.Roles, err = s.roles(ctx, u.ID); err != nil {
			return nil, err
		}
	}
	return users, nil
}

// Verify 校验用户名与密码，禁用账户视为失败。
func (s *Service) Verify(ctx context.Context, username, password string) (*User, bool, error) {
	u, err := s.Get(ctx, username)
	if err != nil {
		if xerrors.HasCode(err, CodeUserNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if u.Disabled || !verifyPassword(u.PasswordHash, password) {
		return nil, false, nil
	}
	return u, true, nil
}

func (s *Service) roles(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role FROM user_roles WHERE user_id = ? ORDER BY role`, userID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用户角色失败")
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析用户角色失败")
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func hashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", xerrors.New(CodeInvalidUser, "密码不能为空")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", xerrors.Wrap(CodeInvalidUser, err, "密码哈希失败")
	}
	return string(hash), nil
}

func verifyPassword(hashed, password string) bool {
	if hashed == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password)) == nil
}

func generatePassword() (string, error) {
	buf := make([]byte, generatedPasswordBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func dedupeValues(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		seen[value] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for value := range seen {
		out = append(out, value)
	}
	sort.Strings(out)
	return out
}
