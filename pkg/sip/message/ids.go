package message

import (
	"strings"

	"github.com/google/uuid"
)

// BranchMagicCookie префикс branch согласно RFC 3261 section 8.1.1.7
const BranchMagicCookie = "z9hG4bK"

// GenerateBranch генерирует новый branch для заголовка Via
func GenerateBranch() string {
	return BranchMagicCookie + compactUUID()
}

// GenerateTag генерирует tag для заголовков From/To
func GenerateTag() string {
	return compactUUID()[:16]
}

// GenerateCallID генерирует Call-ID, привязанный к хосту клиента
func GenerateCallID(host string) string {
	if host == "" {
		return compactUUID()
	}
	return compactUUID() + "@" + host
}

func compactUUID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
