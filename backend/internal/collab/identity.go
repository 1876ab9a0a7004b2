package collab

import "strings"

// Identity is the already authenticated user as handed over by the auth layer.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
}

// Actor is an identity acting through one connection. ConnID is empty for
// calls that do not come from a live connection (HTTP, sweeper).
type Actor struct {
	Identity
	ConnID string
}

// RoomID derives the room of a resource.
func RoomID(resourceType, resourceID string) string {
	return resourceType + ":" + resourceID
}

// ParseRoomID splits a room id produced by RoomID.
func ParseRoomID(roomID string) (resourceType, resourceID string, ok bool) {
	resourceType, resourceID, ok = strings.Cut(roomID, ":")
	if !ok || resourceType == "" || resourceID == "" {
		return "", "", false
	}
	return resourceType, resourceID, true
}
