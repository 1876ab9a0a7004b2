package session

import "fmt"

// Key layout:
//   - roomKey(roomID): JSON encoded RoomState (String, TTL refreshed on every write)
//
// The room id sits inside {} so every key of one room hashes to the same
// cluster slot.
const keyRoomFmt = "collab:room:{%s}"

func roomKey(roomID string) string { return fmt.Sprintf(keyRoomFmt, roomID) }
