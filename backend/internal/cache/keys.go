package cache

import "fmt"

// 键语义：
// - roomKey(roomID):  房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(roomID): 房间内 userId→userName 映射（Hash）

const (
	keyRoomFmt  = "presence:room:{room:%s}"       // ZSet<userId, expireAtUnix>
	keyNamesFmt = "presence:room:names:{room:%s}" // Hash<userId -> userName>
)

func roomKey(roomID string) string  { return fmt.Sprintf(keyRoomFmt, roomID) }
func namesKey(roomID string) string { return fmt.Sprintf(keyNamesFmt, roomID) }
