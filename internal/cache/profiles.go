package cache

import (
	"time"

	"beacon/offline/internal/config"
)

// Profile names a freshness class. Each cached record type maps to one
// profile; the profile's TTL bounds how stale a cached copy may get.
type Profile string

const (
	ProfileUserProfile       Profile = "USER_PROFILE"
	ProfileFriendsList       Profile = "FRIENDS_LIST"
	ProfileLocationData      Profile = "LOCATION_DATA"
	ProfileEmergencyContacts Profile = "EMERGENCY_CONTACTS"
	ProfileAPIResponse       Profile = "API_RESPONSE"
	ProfileWeatherData       Profile = "WEATHER_DATA"
	ProfileNotifications     Profile = "NOTIFICATIONS"
)

// DefaultTTL applies to records without a named profile, such as
// conversation messages.
const DefaultTTL = 24 * time.Hour

// TTLTable resolves profiles to their configured freshness windows.
// Unset or non-positive config values fall back to the default.
type TTLTable struct {
	ttls map[Profile]time.Duration
	def  time.Duration
}

// NewTTLTable builds the table from configuration.
func NewTTLTable(cfg config.TTLConfig) TTLTable {
	def := cfg.Default
	if def <= 0 {
		def = DefaultTTL
	}
	pick := func(d time.Duration) time.Duration {
		if d <= 0 {
			return def
		}
		return d
	}
	return TTLTable{
		ttls: map[Profile]time.Duration{
			ProfileUserProfile:       pick(cfg.UserProfile),
			ProfileFriendsList:       pick(cfg.FriendsList),
			ProfileLocationData:      pick(cfg.LocationData),
			ProfileEmergencyContacts: pick(cfg.EmergencyContacts),
			ProfileAPIResponse:       pick(cfg.APIResponse),
			ProfileWeatherData:       pick(cfg.WeatherData),
			ProfileNotifications:     pick(cfg.Notifications),
		},
		def: def,
	}
}

// TTL returns the freshness window for a profile.
func (t TTLTable) TTL(p Profile) time.Duration {
	if d, ok := t.ttls[p]; ok {
		return d
	}
	return t.def
}
