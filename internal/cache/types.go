package cache

import "time"

// UserProfile is the cached identity record of the signed-in user or a peer.
type UserProfile struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Friend is one entry of a user's friends list snapshot.
type Friend struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Status   string    `json:"status,omitempty"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

// Location is a positional fix for a user. Timestamp orders competing
// writes; the newest fix wins.
type Location struct {
	UserID    string    `json:"userId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is one chat message within a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Sender         string    `json:"sender"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sentAt"`
}

// EmergencyContact is a reach-in-crisis contact; cached long-lived so it
// survives extended offline periods.
type EmergencyContact struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Phone    string `json:"phone"`
	Relation string `json:"relation,omitempty"`
}

// WeatherSnapshot is the last fetched weather report for a location.
type WeatherSnapshot struct {
	Location  string    `json:"location"`
	TempC     float64   `json:"tempC"`
	Summary   string    `json:"summary"`
	FetchedAt time.Time `json:"fetchedAt"`
}

// Notification is a push notification retained for the in-app tray.
type Notification struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Type      string    `json:"type,omitempty"`
	Route     string    `json:"route,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// CachedResponse is a stored HTTP response body, replayed when the upstream
// is unreachable.
type CachedResponse struct {
	Status      int       `json:"status"`
	ContentType string    `json:"contentType"`
	Body        []byte    `json:"body"`
	CachedAt    time.Time `json:"cachedAt"`
}
