package core

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"

	"pkt.systems/ttyx/schema"
)

func newSessionID() schema.SessionID {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return schema.SessionID(uuid.NewString())
	}
	return schema.SessionID(hex.EncodeToString(buf[:]))
}

func newCommandID() schema.CommandID {
	return schema.CommandID(uuid.NewString())
}
