package models

type Tier string

const (
	TierBasic Tier = "BASIC"
	TierPro   Tier = "PRO"
	TierMax   Tier = "MAX"
)

// SessionLimit лимит одновременных не-disconnected сессий для тарифа
func (t Tier) SessionLimit() int {
	switch t {
	case TierPro:
		return 5
	case TierMax:
		return 20
	default:
		return 1
	}
}

// User минимальная read-only проекция пользователя; аккаунты и
// аутентификация живут в отдельном сервисе
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Tier  Tier   `json:"tier"`
}
