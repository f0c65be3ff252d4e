package dispatchjob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// AuthService issues and validates per-job bearer tokens. The token is an
// HMAC of the job id under the application key, so mediator targets can be
// handed a credential scoped to exactly one job.
type AuthService struct {
	appKey []byte
}

func NewAuthService(appKey string) *AuthService {
	return &AuthService{appKey: []byte(appKey)}
}

// TokenFor computes the bearer token for a job id.
func (s *AuthService) TokenFor(jobID string) string {
	mac := hmac.New(sha256.New, s.appKey)
	mac.Write([]byte(jobID))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate reports whether token matches jobID, in constant time.
func (s *AuthService) Validate(jobID, token string) bool {
	expected := s.TokenFor(jobID)
	return hmac.Equal([]byte(expected), []byte(token))
}
