package model

// Role はダッシュボード利用者の権限を表す。
type Role string

const (
	// RoleSuperUser は全組織を管理できる内部管理者。
	RoleSuperUser Role = "superuser"
	// RoleOrgAdmin は自組織の口座連携を行える組織管理者。
	RoleOrgAdmin Role = "org_admin"
)

// Valid は既知の権限かどうかを返す。
func (r Role) Valid() bool {
	return r == RoleSuperUser || r == RoleOrgAdmin
}

// Principal は認証済みのダッシュボード利用者を表す。
// アクセストークンのクレームから組み立てられ、永続化はしない。
type Principal struct {
	UserID         string
	OrganizationID int64
	Role           Role
}
