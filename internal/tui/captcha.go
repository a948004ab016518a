package tui

import (
	"bufio"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"golang.org/x/term"

	"mpy-sync/internal/util"
)

// CaptchaEnv disables the confirmation token when set to false, 0 or no.
const CaptchaEnv = "MPY_SYNC_FORCE_CAPTCHA"

// ConfirmWithCaptcha prompts the user with a short random token and requires
// the exact token to be typed to confirm a destructive operation such as a
// board wipe. It succeeds without a prompt when CaptchaEnv is false. A
// non-interactive stdin is refused: scripts must pass --yes instead.
func ConfirmWithCaptcha(prompt string, attempts int) (bool, error) {
	if v := strings.ToLower(strings.TrimSpace(os.Getenv(CaptchaEnv))); v == "false" || v == "0" || v == "no" {
		util.Default.Printf("ℹ️  %s=%s detected, skipping confirmation\n", CaptchaEnv, v)
		return true, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return false, fmt.Errorf("confirmation needs an interactive terminal; pass --yes to skip it")
	}

	token, err := genToken(6)
	if err != nil {
		return false, fmt.Errorf("failed to generate token: %w", err)
	}
	return confirmToken(os.Stdin, prompt, token, attempts)
}

// confirmToken reads up to attempts lines from in and accepts the first one
// that equals token.
func confirmToken(in io.Reader, prompt, token string, attempts int) (bool, error) {
	if attempts <= 0 {
		attempts = 3
	}
	reader := bufio.NewReader(in)
	for i := 0; i < attempts; i++ {
		util.Default.Printf("⚠️  %s\n", prompt)
		util.Default.Printf("Type the token to confirm [%s]: ", token)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return false, fmt.Errorf("failed to read input: %w", err)
		}
		if strings.TrimSpace(line) == token {
			util.Default.Println("✅ Confirmation accepted")
			return true, nil
		}
		util.Default.Printf("❌ Token mismatch (%d/%d).\n", i+1, attempts)
	}
	util.Default.Println("⚠️  Confirmation failed, aborting")
	return false, nil
}

// genToken generates an uppercase alphanumeric token of given length.
func genToken(n int) (string, error) {
	const charset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	out := make([]byte, n)
	max := big.NewInt(int64(len(charset)))
	for i := 0; i < n; i++ {
		r, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = charset[r.Int64()]
	}
	return string(out), nil
}
