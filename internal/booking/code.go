package booking

import (
	"context"
	"crypto/rand"

	"github.com/example/ride-dispatch/internal/apperr"
)

// codeAlphabet omits 0/O and 1/I so codes survive being read aloud.
// Its length is 32, which keeps the byte mask below unbiased.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeLength     = 8
	longCodeLength = 10
	codeAttempts   = 8
)

func randomCode(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand unavailable: " + err.Error())
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[b&31]
	}
	return string(buf)
}

// reserveCode picks a reservation code that is unused both in memory and in
// the durable store. The in-memory claim makes concurrent creations safe
// even when the store is down. Short codes are tried first, then long ones;
// both rounds are bounded.
func (m *Manager) reserveCode(ctx context.Context, bookingID string) (string, error) {
	for _, length := range []int{codeLength, longCodeLength} {
		if code, ok := m.tryCodes(ctx, bookingID, length); ok {
			return code, nil
		}
	}
	return "", apperr.New(apperr.CodeInternal, "could not allocate a unique reservation code")
}

func (m *Manager) tryCodes(ctx context.Context, bookingID string, length int) (string, bool) {
	for i := 0; i < codeAttempts; i++ {
		code := m.newCode(length)
		if !m.codes.SetIfAbsent(code, bookingID) {
			continue
		}
		exists, err := m.codeInStore(ctx, code)
		if err != nil {
			m.storageFailed("code_exists", err, bookingID)
			return code, true
		}
		if !exists {
			return code, true
		}
		m.codes.Delete(code)
	}
	return "", false
}

func (m *Manager) codeInStore(ctx context.Context, code string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()
	return m.store.CodeExists(ctx, code)
}
