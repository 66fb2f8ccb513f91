package provider

import "encoding/json"

// WebinarRecord is one webinar as the provider reports it. Timestamps are
// RFC3339 strings on the wire; status vocabularies vary across provider API
// versions and are normalized by the transform package.
type WebinarRecord struct {
	ID              string          `json:"id"`
	UUID            string          `json:"uuid"`
	Topic           string          `json:"topic"`
	StartTime       string          `json:"start_time"`
	DurationMinutes int             `json:"duration"`
	Timezone        string          `json:"timezone"`
	Status          string          `json:"status"`
	Settings        json.RawMessage `json:"settings,omitempty"`
}

// RegistrantRecord is one registration as the provider reports it.
type RegistrantRecord struct {
	ID              string          `json:"id"`
	Email           string          `json:"email"`
	FirstName       string          `json:"first_name"`
	LastName        string          `json:"last_name"`
	OrgName         string          `json:"org"`
	Status          string          `json:"status"`
	CreateTime      string          `json:"create_time"`
	CustomQuestions json.RawMessage `json:"custom_questions,omitempty"`
}

// ParticipantRecord is one join/leave segment as the provider reports it.
// Duration is in seconds on the wire.
type ParticipantRecord struct {
	ID              string `json:"id"`
	UserID          string `json:"user_id"`
	RegistrantID    string `json:"registrant_id"`
	Email           string `json:"user_email"`
	Name            string `json:"name"`
	JoinTime        string `json:"join_time"`
	LeaveTime       string `json:"leave_time"`
	DurationSeconds int    `json:"duration"`
	Status          string `json:"status"`
	RaisedHand      bool   `json:"raised_hand"`
	AskedQuestion   bool   `json:"asked_question"`
	AnsweredPoll    bool   `json:"answered_poll"`
	CameraSeconds   int    `json:"camera_on_duration"`
}

// Page is one slice of a paginated entity stream.
type Page[T any] struct {
	Items        []T
	NextCursor   string
	HasMore      bool
	TotalRecords int
	PageNumber   int    // 1-based fetch order within the stream
	Raw          []byte // response body as received, for the optional archive
}

// envelope is the provider's pagination wrapper. Exactly one of the entity
// arrays is populated depending on the endpoint.
type envelope struct {
	NextPageToken string              `json:"next_page_token"`
	PageSize      int                 `json:"page_size"`
	TotalRecords  int                 `json:"total_records"`
	Webinars      []WebinarRecord     `json:"webinars"`
	Registrants   []RegistrantRecord  `json:"registrants"`
	Participants  []ParticipantRecord `json:"participants"`
}
