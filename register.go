package main

import (
	"os"

	"github.com/spf13/cobra"

	"gitlab.com/z0mbie42/rz-go/v2"
	"gitlab.com/z0mbie42/rz-go/v2/log"

	"github.com/gdhbashton/letsencrypt-aws/config"
	"github.com/gdhbashton/letsencrypt-aws/letsencrypt"
)

var (
	registerOut        string
	registerConfigPath string
)

var registerCmd = &cobra.Command{
	Use:   "register EMAIL",
	Short: "Register a new account key with the certificate authority",
	Long: "Generates a fresh RSA account key, registers it with the " +
		"certificate authority under the given contact email, agrees to " +
		"the terms of service and writes the PEM private key to --out. " +
		"No certificate is issued.",
	Args: cobra.ExactArgs(1),
	RunE: runRegister,
}

func init() {
	registerCmd.Flags().StringVar(&registerOut, "out", "-",
		"Where to write the private key to. Defaults to stdout")
	registerCmd.Flags().StringVar(&registerConfigPath, "config", "",
		"Read the configuration document from a file instead of the environment")
}

// registrationDirectoryURL finds the directory URL without requiring a
// full rotation configuration; registration needs nothing else.
func registrationDirectoryURL() string {
	var cfg *config.Config
	var err error
	if registerConfigPath != "" {
		cfg, err = config.LoadFile(registerConfigPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil || cfg.ACMEDirectoryURL == "" {
		return config.DefaultACMEDirectoryURL
	}
	return cfg.ACMEDirectoryURL
}

func runRegister(
	cmd *cobra.Command,
	args []string,
) error {
	email := args[0]
	directoryURL := registrationDirectoryURL()

	log.Info("acme-register.generate-key")
	accountKey, err := letsencrypt.GenerateKey(letsencrypt.KeyTypeRSA)
	if err != nil {
		return err
	}

	service := letsencrypt.New(accountKey, directoryURL)

	log.Info("acme-register.register", rz.String("email", email))
	account, err := service.RegisterAccount(cmd.Context(), email)
	if err != nil {
		return err
	}
	log.Info("acme-register.agree-to-tos", rz.String("account_uri", account.URI))

	keyPEM, err := letsencrypt.EncodePrivateKeyPEM(accountKey)
	if err != nil {
		return err
	}

	if registerOut == "-" {
		_, err = os.Stdout.Write(keyPEM)
		return err
	}
	return os.WriteFile(registerOut, keyPEM, 0o600)
}
