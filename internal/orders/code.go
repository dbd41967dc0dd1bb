package orders

import (
	"crypto/rand"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	CodePrefix   = "ORD"
	codeLength   = 8
	codeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ" // no 0/O/1/I, memo-safe

	CodeLen = len(CodePrefix) + codeLength
)

// NewOrderCode returns a human-readable code such as ORD7KQ2M9XA. It is the text the
// buyer puts in the transfer memo.
func NewOrderCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	var sb strings.Builder
	sb.WriteString(CodePrefix)
	for _, b := range buf {
		sb.WriteByte(codeAlphabet[int(b)%len(codeAlphabet)])
	}
	return sb.String(), nil
}

// NewDeliveryToken returns an opaque 64-hex-char token.
func NewDeliveryToken() string {
	return strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
}

func HashToken(token string, cost int) (string, error) {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func TokenMatches(hash, token string) bool {
	if hash == "" || token == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
