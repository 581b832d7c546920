package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/zalando/go-keyring"
)

const (
	keyringService = "flowkit"
	keyringUser    = "kernel-api-key"
)

// KeyStore holds the Kernel API key between invocations.
type KeyStore interface {
	Get() (string, error)
	Set(key string) error
	Delete() error
}

// osKeyring stores the key in the operating system keychain.
type osKeyring struct{}

func (osKeyring) Get() (string, error) {
	key, err := keyring.Get(keyringService, keyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	return key, err
}

func (osKeyring) Set(key string) error { return keyring.Set(keyringService, keyringUser, key) }

func (osKeyring) Delete() error {
	err := keyring.Delete(keyringService, keyringUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

func loadAPIKey() (string, error) {
	key, err := osKeyring{}.Get()
	if err != nil {
		return "", fmt.Errorf("failed to read API key from keyring: %w", err)
	}
	return key, nil
}

// AuthCmd manages the stored Kernel API key.
type AuthCmd struct {
	keys   KeyStore
	getenv func(string) string
}

type AuthLoginInput struct {
	APIKey string
}

type AuthStatusInput struct {
	Output string
}

// AuthStatus is the JSON shape of `flowkit auth status`.
type AuthStatus struct {
	Authenticated bool   `json:"authenticated"`
	Source        string `json:"source,omitempty"`
	Key           string `json:"key,omitempty"`
}

func (c AuthCmd) Login(ctx context.Context, in AuthLoginInput) error {
	key := strings.TrimSpace(in.APIKey)
	if key == "" {
		return fmt.Errorf("API key is required")
	}
	if err := c.keys.Set(key); err != nil {
		return fmt.Errorf("failed to save API key: %w", err)
	}
	pterm.Success.Println("Kernel API key saved to the system keyring")
	return nil
}

func (c AuthCmd) Logout(ctx context.Context) error {
	if err := c.keys.Delete(); err != nil {
		return fmt.Errorf("failed to remove API key: %w", err)
	}
	pterm.Success.Println("Kernel API key removed")
	if c.getenv(envAPIKey) != "" {
		pterm.Warning.Printf("%s is still set in the environment\n", envAPIKey)
	}
	return nil
}

func (c AuthCmd) Status(ctx context.Context, in AuthStatusInput) error {
	if in.Output != "" && in.Output != "json" {
		return fmt.Errorf("unsupported --output value: use 'json'")
	}

	st := AuthStatus{}
	if key := c.getenv(envAPIKey); key != "" {
		st = AuthStatus{Authenticated: true, Source: "environment", Key: maskKey(key)}
	} else {
		key, err := c.keys.Get()
		if err != nil {
			return fmt.Errorf("failed to read API key: %w", err)
		}
		if key != "" {
			st = AuthStatus{Authenticated: true, Source: "keyring", Key: maskKey(key)}
		}
	}

	if in.Output == "json" {
		return printJSON(st)
	}
	if !st.Authenticated {
		pterm.Warning.Println("Not logged in. Run `flowkit auth login` or set " + envAPIKey)
		return nil
	}
	pterm.Success.Printf("Authenticated with Kernel (%s, %s)\n", st.Source, st.Key)
	return nil
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the Kernel API key used for cloud browsers",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Save a Kernel API key in the system keyring",
	Example: `  flowkit auth login
  flowkit auth login --api-key sk_...`,
	Args: cobra.NoArgs,
	RunE: runAuthLogin,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the saved Kernel API key",
	Args:  cobra.NoArgs,
	RunE:  runAuthLogout,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show where the Kernel API key comes from",
	Args:  cobra.NoArgs,
	RunE:  runAuthStatus,
}

func init() {
	authLoginCmd.Flags().String("api-key", "", "API key to save; prompts when omitted")
	authStatusCmd.Flags().StringP("output", "o", "", "Output format (json)")

	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)
	rootCmd.AddCommand(authCmd)
}

func newAuthCmd() AuthCmd {
	return AuthCmd{keys: osKeyring{}, getenv: os.Getenv}
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	key, _ := cmd.Flags().GetString("api-key")
	if key == "" {
		var err error
		key, err = pterm.DefaultInteractiveTextInput.WithMask("*").Show("Kernel API key")
		if err != nil {
			return fmt.Errorf("failed to read API key: %w", err)
		}
	}
	return newAuthCmd().Login(cmd.Context(), AuthLoginInput{APIKey: key})
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	return newAuthCmd().Logout(cmd.Context())
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")
	return newAuthCmd().Status(cmd.Context(), AuthStatusInput{Output: output})
}
