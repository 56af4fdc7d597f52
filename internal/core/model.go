package core

import (
	"time"
)

// Provider identifies a mail provider adapter
type Provider string

const (
	ProviderGmail     Provider = "gmail"
	ProviderOutlook   Provider = "outlook"
	ProviderSMTPInbox Provider = "smtp_inbox"
)

// Address is an email participant
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// String returns the address in display form
func (a Address) String() string {
	if a.Name != "" {
		return a.Name + " <" + a.Email + ">"
	}
	return a.Email
}

// NormalizedMessage is the provider-agnostic representation of one email
type NormalizedMessage struct {
	ID              string    `json:"id"`
	ThreadID        string    `json:"thread_id"`
	From            Address   `json:"from"`
	To              []Address `json:"to"`
	Cc              []Address `json:"cc"`
	Subject         string    `json:"subject"`
	TextBody        string    `json:"text_body"`
	HTMLBody        string    `json:"html_body"`
	ReceivedAt      time.Time `json:"received_at"`
	SentAt          time.Time `json:"sent_at"`
	IsRead          bool      `json:"is_read"`
	IsStarred       bool      `json:"is_starred"`
	AttachmentCount int       `json:"attachment_count"`
	SizeBytes       int64     `json:"size_bytes"`
	Provider        Provider  `json:"provider"`
}

// PriorityLevel classifies how important a message is
type PriorityLevel string

const (
	PriorityCritical PriorityLevel = "critical"
	PriorityHigh     PriorityLevel = "high"
	PriorityMedium   PriorityLevel = "medium"
	PriorityLow      PriorityLevel = "low"
)

// Sentiment classifies the tone of a message
type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
	SentimentMixed    Sentiment = "mixed"
)

// UrgencyLevel classifies how soon a message needs attention
type UrgencyLevel string

const (
	UrgencyImmediate      UrgencyLevel = "immediate"
	UrgencyToday          UrgencyLevel = "today"
	UrgencyThisWeek       UrgencyLevel = "this_week"
	UrgencyWhenConvenient UrgencyLevel = "when_convenient"
)

// PriorityAssessment is the model's priority classification
type PriorityAssessment struct {
	Level     PriorityLevel `json:"level"`
	Score     float64       `json:"score"`
	Reasoning string        `json:"reasoning"`
}

// SentimentAssessment is the model's sentiment classification
type SentimentAssessment struct {
	Label     Sentiment `json:"label"`
	Score     float64   `json:"score"`
	Reasoning string    `json:"reasoning"`
}

// UrgencyAssessment is the model's urgency classification
type UrgencyAssessment struct {
	Level     UrgencyLevel `json:"level"`
	Score     float64      `json:"score"`
	Reasoning string       `json:"reasoning"`
}

// AnalysisResult is the outcome of analyzing one message
type AnalysisResult struct {
	MessageID        string              `json:"message_id"`
	Summary          string              `json:"summary"`
	Priority         PriorityAssessment  `json:"priority"`
	Sentiment        SentimentAssessment `json:"sentiment"`
	Urgency          UrgencyAssessment   `json:"urgency"`
	ActionRequired   bool                `json:"action_required"`
	SuggestedActions []string            `json:"suggested_actions"`
	KeyTopics        []string            `json:"key_topics"`
	IsVIP            bool                `json:"is_vip"`
	VIPScore         float64             `json:"vip_score"`
	Confidence       float64             `json:"confidence"`
	// PriorityScore is the derived ranking score, computed after the model's
	// own priority and urgency scores.
	PriorityScore  float64       `json:"priority_score"`
	ProcessingTime time.Duration `json:"processing_time"`
	ModelUsed      string        `json:"model_used"`
	CreatedAt      time.Time     `json:"created_at"`
}

const (
	// FallbackModel is reported as ModelUsed for heuristic results
	FallbackModel = "fallback"
	// FallbackConfidence is the fixed confidence of heuristic results
	FallbackConfidence = 0.3
)

// IsFallback reports whether the result was produced without the model
func (r *AnalysisResult) IsFallback() bool {
	return r.ModelUsed == FallbackModel
}

// UserContext tailors analysis to the mailbox owner
type UserContext struct {
	UserID      string            `json:"user_id"`
	Role        string            `json:"role"`
	Industry    string            `json:"industry"`
	Preferences map[string]string `json:"preferences"`
	VIPContacts []string          `json:"vip_contacts"`
}

// AnalysisRequest pairs a message with the context it is analyzed under
type AnalysisRequest struct {
	Message *NormalizedMessage
	User    *UserContext
}

// AnalysisOutcome is what the engine returns per message. Analysis is never
// nil; Success is false when the fallback result was used.
type AnalysisOutcome struct {
	Analysis  *AnalysisResult
	Success   bool
	Err       error
	Retryable bool
}

// Credentials carries a provider access token supplied by a collaborator
type Credentials struct {
	Account     string    `json:"account"`
	AccessToken string    `json:"-"`
	Expiry      time.Time `json:"-"`
}

// FetchOptions narrows what a provider fetch returns
type FetchOptions struct {
	MaxResults int       `json:"max_results"`
	Query      string    `json:"query,omitempty"`
	Since      time.Time `json:"since,omitempty"`
	Until      time.Time `json:"until,omitempty"`
}

// merge fills unset fields from defaults
func (o FetchOptions) merge(defaults FetchOptions) FetchOptions {
	if o.MaxResults <= 0 {
		o.MaxResults = defaults.MaxResults
	}
	if o.Query == "" {
		o.Query = defaults.Query
	}
	if o.Since.IsZero() {
		o.Since = defaults.Since
	}
	if o.Until.IsZero() {
		o.Until = defaults.Until
	}
	return o
}

// Matches reports whether a message falls inside the date range
func (o FetchOptions) Matches(msg *NormalizedMessage) bool {
	if !o.Since.IsZero() && msg.ReceivedAt.Before(o.Since) {
		return false
	}
	if !o.Until.IsZero() && !msg.ReceivedAt.Before(o.Until) {
		return false
	}
	return true
}

// ProviderRequest is one provider a job will fetch from. Credentials may be
// nil, in which case they are resolved through the CredentialSupplier.
type ProviderRequest struct {
	Provider    Provider     `json:"provider"`
	Credentials *Credentials `json:"credentials,omitempty"`
	Options     FetchOptions `json:"options"`
}

// JobStatus is the lifecycle state of a ProcessingJob
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transitions are possible
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// MessageResult is the per-message outcome folded into a job
type MessageResult struct {
	JobID      string          `json:"job_id"`
	MessageID  string          `json:"message_id"`
	Provider   Provider        `json:"provider"`
	Subject    string          `json:"subject"`
	From       string          `json:"from"`
	ReceivedAt time.Time       `json:"received_at"`
	Position   int             `json:"position"`
	Analysis   *AnalysisResult `json:"analysis"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
}

// ProcessingJob is the unit of orchestration
type ProcessingJob struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	Providers       []ProviderRequest `json:"providers"`
	Options         FetchOptions      `json:"options"`
	Status          JobStatus         `json:"status"`
	Progress        int               `json:"progress"`
	TotalEmails     int               `json:"total_emails"`
	ProcessedEmails int               `json:"processed_emails"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	Error           string            `json:"error,omitempty"`
	Retryable       bool              `json:"retryable"`
	Results         []MessageResult   `json:"results,omitempty"`
}

// Clone returns a copy that shares no mutable slices with the original
func (j *ProcessingJob) Clone() *ProcessingJob {
	if j == nil {
		return nil
	}
	c := *j
	c.Providers = append([]ProviderRequest(nil), j.Providers...)
	for i, p := range c.Providers {
		if p.Credentials != nil {
			creds := *p.Credentials
			c.Providers[i].Credentials = &creds
		}
	}
	c.Results = append([]MessageResult(nil), j.Results...)
	return &c
}

// JobFilter selects stored jobs
type JobFilter struct {
	UserID        string
	Status        JobStatus
	UpdatedBefore time.Time
	CreatedAfter  time.Time
	Limit         int
}

// MessageMutation is a state change applied to a message outside the pipeline
type MessageMutation struct {
	Read     *bool          `json:"read,omitempty"`
	Starred  *bool          `json:"starred,omitempty"`
	Priority *PriorityLevel `json:"priority,omitempty"`
	Delete   bool           `json:"delete,omitempty"`
}
