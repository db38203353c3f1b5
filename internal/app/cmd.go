package app

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/hitoshi/bankdash/internal/model"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker は連携ジャーナルのクリーンアップワーカーとして起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandToken は開発用のアクセストークンを発行することを示す。
	CommandToken Command = "token"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	case "token":
		return CommandToken
	default:
		return CommandServe
	}
}

// TokenOptions はtokenサブコマンドの引数。
type TokenOptions struct {
	UserID         string
	OrganizationID int64
	Role           model.Role
	// TTL が0の場合はAUTH_TOKEN_TTLを使う。
	TTL time.Duration
}

// Principal はトークンに埋め込む利用者情報を返す。
func (o TokenOptions) Principal() model.Principal {
	return model.Principal{
		UserID:         o.UserID,
		OrganizationID: o.OrganizationID,
		Role:           o.Role,
	}
}

// ParseTokenOptions はtokenサブコマンドのフラグを解析する。
//
//	bankdash token -user u-1 -org 42 [-role org_admin] [-ttl 1h]
func ParseTokenOptions(args []string) (TokenOptions, error) {
	var (
		opts TokenOptions
		role string
	)
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.UserID, "user", "", "ユーザーID")
	fs.Int64Var(&opts.OrganizationID, "org", 0, "組織ID")
	fs.StringVar(&role, "role", string(model.RoleOrgAdmin), "権限 (org_admin | superuser)")
	fs.DurationVar(&opts.TTL, "ttl", 0, "有効期間")

	if err := fs.Parse(args); err != nil {
		return TokenOptions{}, fmt.Errorf("invalid token arguments: %w", err)
	}

	opts.Role = model.Role(role)
	switch {
	case opts.UserID == "":
		return TokenOptions{}, errors.New("token: -user is required")
	case opts.OrganizationID <= 0:
		return TokenOptions{}, errors.New("token: -org must be a positive integer")
	case !opts.Role.Valid():
		return TokenOptions{}, fmt.Errorf("token: unknown role %q", role)
	case opts.TTL < 0:
		return TokenOptions{}, errors.New("token: -ttl must not be negative")
	}
	return opts, nil
}
