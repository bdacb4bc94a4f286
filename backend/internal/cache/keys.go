package cache

import "fmt"

// 键语义：
// - roomKey(docID):           房间在线会话（ZSet<sessionId, expireAtUnix>，score=expireAt）
// - namesKey(docID):          房间内 sessionId→username 映射（Hash）
// - cursorKey(docID, sid):    会话光标（String，JSON，带 TTL）

const (
	keyRoomFmt   = "presence:room:{docID:%s}"       // ZSet<sessionId, expireAtUnix>
	keyNamesFmt  = "presence:room:names:{docID:%s}" // Hash<sessionId -> username>
	keyCursorFmt = "presence:cursor:{docID:%s}:%s"  // String<JSON cursor>
)

func roomKey(docID string) string              { return fmt.Sprintf(keyRoomFmt, docID) }
func namesKey(docID string) string             { return fmt.Sprintf(keyNamesFmt, docID) }
func cursorKey(docID, sessionID string) string { return fmt.Sprintf(keyCursorFmt, docID, sessionID) }
