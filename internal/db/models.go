package db

import (
	"time"
)

// Scope tiers for provider configurations. More specific scopes win during
// resolution: APP beats TENANT beats GLOBAL.
const (
	ScopeGlobal = "GLOBAL"
	ScopeTenant = "TENANT"
	ScopeApp    = "APP"
)

// Email delivery services
const (
	ServiceSMTP = "smtp"
	ServiceSES  = "ses"
)

// Email job statuses
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// MaxAttempts is the retry cap for a job. Jobs at or past the cap stay
// failed and are excluded from polling.
const MaxAttempts = 3

// App is a tenant-owned application on whose behalf messages are sent.
type App struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Name      string    `json:"name"`
	TenantID  string    `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
}

// EmailConfig is an SMTP or SES provider configuration at one scope tier.
// Secret fields (Pass, AWSAccessKey, AWSSecretKey) hold ciphertext; plaintext
// never touches the database.
type EmailConfig struct {
	ID           string    `json:"id"`
	Scope        string    `json:"scope"`
	TenantID     *string   `json:"tenant_id,omitempty"`
	AppID        *string   `json:"app_id,omitempty"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	Secure       bool      `json:"secure"`
	User         string    `json:"user,omitempty"`
	Pass         string    `json:"-"`
	FromAddress  string    `json:"from_address,omitempty"`
	FromName     string    `json:"from_name,omitempty"`
	Service      string    `json:"service"`
	AWSRegion    string    `json:"aws_region,omitempty"`
	AWSAccessKey string    `json:"-"`
	AWSSecretKey string    `json:"-"`
	IsActive     bool      `json:"is_active"`
	CreatedBy    string    `json:"created_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SMSConfig is a Twilio-style SMS provider configuration at one scope tier.
// Token holds ciphertext.
type SMSConfig struct {
	ID         string    `json:"id"`
	Scope      string    `json:"scope"`
	TenantID   *string   `json:"tenant_id,omitempty"`
	AppID      *string   `json:"app_id,omitempty"`
	SID        string    `json:"sid"`
	Token      string    `json:"-"`
	FromNumber string    `json:"from_number"`
	FallbackTo string    `json:"fallback_to,omitempty"`
	ServiceSID string    `json:"service_sid,omitempty"`
	IsActive   bool      `json:"is_active"`
	CreatedBy  string    `json:"created_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EmailJob is one queued send. Subject and Message are fully rendered at
// enqueue time; Recipients is a JSON list of {email, name} (legacy rows may
// hold a bare address string). A "TEST_MODE:" prefix on Host marks the job
// for dry-run delivery.
type EmailJob struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	GroupID      string     `json:"group_id"`
	AppID        string     `json:"app_id"`
	Status       string     `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	ScheduledAt  *time.Time `json:"scheduled_at,omitempty"`
	Subject      string     `json:"subject"`
	Message      string     `json:"message,omitempty"`
	Recipients   string     `json:"recipients"`
	SenderName   string     `json:"sender_name,omitempty"`
	SenderEmail  string     `json:"sender_email,omitempty"`
	Host         string     `json:"host,omitempty"`
	Username     string     `json:"username,omitempty"`
	LastError    *string    `json:"last_error,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// MailLog is the append-only audit record for a delivered message, keyed by
// the provider message id.
type MailLog struct {
	ID          string    `json:"id"`
	MessageID   string    `json:"message_id"`
	AppID       string    `json:"app_id"`
	Subject     string    `json:"subject"`
	SenderName  string    `json:"sender_name,omitempty"`
	SenderEmail string    `json:"sender_email,omitempty"`
	Host        string    `json:"host,omitempty"`
	Username    string    `json:"username,omitempty"`
	Recipients  string    `json:"recipients"`
	Message     string    `json:"message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
