package mail

import (
	"fmt"
	"time"
)

// Templates for every message the platform sends. Keeping the copy in one
// place means the services only decide WHEN to email, not what it says.

// AccountVerification carries the registration OTP for a new Lead account.
func AccountVerification(from, to, code string) Message {
	return Message{
		From:    from,
		To:      to,
		Subject: "Verify your account",
		Body:    fmt.Sprintf("Your verification code is: %s\n\nIt expires in 10 minutes.", code),
	}
}

// SignInCode carries the OTP challenge issued on every Lead sign-in.
func SignInCode(from, to, code string) Message {
	return Message{
		From:    from,
		To:      to,
		Subject: "Your sign-in code",
		Body:    fmt.Sprintf("Your sign-in code is: %s\n\nIt expires in 10 minutes.", code),
	}
}

// ExitConfirmation carries the OTP gating an organization exit.
func ExitConfirmation(from, to, code string) Message {
	return Message{
		From:    from,
		To:      to,
		Subject: "Confirm your organization exit",
		Body:    fmt.Sprintf("Your OTP to exit the organization is: %s", code),
	}
}

// PasswordReset carries a single-use reset link.
func PasswordReset(from, to, resetURL string, ttl time.Duration) Message {
	return Message{
		From:    from,
		To:      to,
		Subject: "Reset your password",
		Body: fmt.Sprintf("You requested a password reset. This link is valid for %d minutes:\n\n%s\n\nIf you did not request this, you can ignore this email.",
			int(ttl.Minutes()), resetURL),
	}
}

// SignInAlert notifies an Associate of a fresh session, with a remote
// sign-out link in case it was not them.
func SignInAlert(from, to string, at time.Time, signoutURL string) Message {
	return Message{
		From:    from,
		To:      to,
		Subject: "New sign-in to your account",
		Body: fmt.Sprintf("A new sign-in to your account was detected at %s.\n\nIf this was not you, sign out everywhere:\n%s",
			at.Format(time.RFC1123), signoutURL),
	}
}
