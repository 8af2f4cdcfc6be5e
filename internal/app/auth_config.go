package app

import (
	"time"

	"github.com/conservehq/conserve/internal/auth"
)

const defaultOTPTTL = 10 * time.Minute

// TokenServiceConfig converts AuthConfig into the parameters expected by the token service.
func (c AuthConfig) TokenServiceConfig() auth.TokenConfig {
	ttl := c.JWT.TTL
	if ttl <= 0 {
		ttl = auth.DefaultTokenTTL
	}

	return auth.TokenConfig{
		Secret:   c.JWT.Secret,
		Issuer:   c.JWT.Issuer,
		TokenTTL: ttl,
	}
}

// OTPTTL returns the configured one-time code lifetime.
func (c AuthConfig) OTPTTL() time.Duration {
	if c.OTP.TTL <= 0 {
		return defaultOTPTTL
	}
	return c.OTP.TTL
}

// ResetTTL returns the configured password reset token lifetime.
func (c AuthConfig) ResetTTL() time.Duration {
	if c.OTP.ResetTTL <= 0 {
		return defaultOTPTTL
	}
	return c.OTP.ResetTTL
}
