package models

import "time"

type Preferences struct {
	Theme                string `json:"theme"`
	Language             string `json:"language"`
	NotificationsEmail   bool   `json:"notifications_email"`
	NotificationsDiscord bool   `json:"notifications_discord"`
}

// DefaultPreferences are stored for new accounts
func DefaultPreferences() Preferences {
	return Preferences{Theme: "dark", Language: "en", NotificationsEmail: true}
}

type User struct {
	ID               string      `json:"id"`
	Username         string      `json:"username"`
	Email            string      `json:"email"`
	DisplayName      string      `json:"display_name"`
	Bio              string      `json:"bio"`
	Role             string      `json:"role"`
	Active           bool        `json:"active"`
	TwoFactorEnabled bool        `json:"two_factor_enabled"`
	Preferences      Preferences `json:"preferences"`
	CreatedAt        time.Time   `json:"created_at"`
	LastLoginAt      *time.Time  `json:"last_login_at,omitempty"`
}

// Request types

type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code"`
}

type PasswordResetRequest struct {
	Email string `json:"email"`
}

type PasswordResetConfirmRequest struct {
	Token           string `json:"token"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

type UpdateProfileRequest struct {
	DisplayName *string      `json:"display_name"`
	Email       *string      `json:"email"`
	Bio         *string      `json:"bio"`
	Preferences *Preferences `json:"preferences"`
}

type ChangePasswordRequest struct {
	CurrentPassword    string `json:"current_password"`
	NewPassword        string `json:"new_password"`
	NewPasswordConfirm string `json:"new_password_confirm"`
}

type TwoFactorCodeRequest struct {
	Code string `json:"code"`
}

type UpdateRoleRequest struct {
	Role string `json:"role"`
}

type UpdateActiveRequest struct {
	Active *bool `json:"active"`
}

type DeleteAccountRequest struct {
	Password string `json:"password"`
	Confirm  string `json:"confirm"`
}

// Response types

type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      User      `json:"user"`
}

type PasswordResetRequestResponse struct {
	Message string `json:"message"`
	Token   string `json:"token,omitempty"` // dev mode only
}

type VerifyResetResponse struct {
	Valid bool `json:"valid"`
}

type TwoFactorSetupResponse struct {
	Secret     string `json:"secret"`
	OTPAuthURL string `json:"otpauth_url"`
}

type UserSearchResult struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Role        string `json:"role"`
	Active      bool   `json:"active"`
}

// Privacy center

type PrivacySettings struct {
	AnalyticsConsent  bool       `json:"analytics_consent"`
	MarketingConsent  bool       `json:"marketing_consent"`
	PublicProfile     bool       `json:"public_profile"`
	DataRetentionDays int        `json:"data_retention_days"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
}

// DefaultPrivacySettings apply until the user saves their own
func DefaultPrivacySettings() PrivacySettings {
	return PrivacySettings{DataRetentionDays: 365}
}

type DataExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	User       User            `json:"user"`
	Privacy    PrivacySettings `json:"privacy"`
	Channels   []Channel       `json:"channels"`
	Polls      []Poll          `json:"polls"`
	Activity   []ActivityLog   `json:"activity"`
}
