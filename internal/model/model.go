package model

import "time"

// Roles form a closed set. Registry records carry the same values so that a
// roster entry decides the role an identity registers with.
const (
	RoleLearner     = "learner"
	RoleClassRep    = "class_rep"
	RoleFacilitator = "facilitator"
	RoleAdmin       = "admin"
)

func ValidRole(role string) bool {
	switch role {
	case RoleLearner, RoleClassRep, RoleFacilitator, RoleAdmin:
		return true
	default:
		return false
	}
}

type Identity struct {
	ID           string
	RegistryID   string
	Email        string
	IndexNumber  string
	PhoneNumber  *string
	Username     string
	DisplayName  string
	Role         string
	PasswordHash string
	Verified     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Profile is the public slice of an Identity that is safe to hand to other
// participants (socket frames, channel member listings).
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Role        string `json:"role"`
}

func (i Identity) Profile() Profile {
	return Profile{
		ID:          i.ID,
		DisplayName: i.DisplayName,
		Email:       i.Email,
		Role:        i.Role,
	}
}

type PendingVerification struct {
	ID         string
	IdentityID string
	Code       string
	ExpiresAt  time.Time
	Used       bool
	CreatedAt  time.Time
}

// RegistryRecord is a row of the school roster. Registration is only open to
// keys present and active here.
type RegistryRecord struct {
	ID          string
	Email       string
	IndexNumber string
	FullName    string
	Role        string
	Active      bool
}

type Channel struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ChannelSummary is a channel with the aggregate fields list and detail
// endpoints return.
type ChannelSummary struct {
	Channel
	Members      []Profile `json:"members,omitempty"`
	MemberCount  int       `json:"memberCount"`
	MessageCount int       `json:"messageCount"`
}

type Message struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	AuthorID  string    `json:"authorId"`
	Text      string    `json:"text"`
	FileURL   *string   `json:"fileUrl,omitempty"`
	ReplyTo   *string   `json:"replyTo,omitempty"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"createdAt"`
	Author    *Profile  `json:"author,omitempty"`
}
