package cli

import (
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/spf13/cobra"

	"github.com/mrz1836/ledgerlink/internal/chain"
	"github.com/mrz1836/ledgerlink/internal/derivation"
	"github.com/mrz1836/ledgerlink/internal/output"
	linkerr "github.com/mrz1836/ledgerlink/pkg/errors"
)

//nolint:gochecknoglobals // Cobra CLI pattern requires package-level flag variables
var (
	// policyFingerprint is the master key fingerprint in hex.
	policyFingerprint string
	// policyXpub is the account extended public key.
	policyXpub string
	// policyPath is the account derivation path.
	policyPath string
)

// policyCmd renders the wallet policy for known key material.
//
//nolint:gochecknoglobals // Cobra CLI pattern requires package-level command variables
var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Render the Taproot wallet policy",
	Long: `Build the default single-key Taproot wallet policy tr(@0/**) from a
master fingerprint and account extended public key, without a device.

Example:
  ledgerlink policy --fingerprint f0f0f0f0 --xpub tpubDC...`,
	Args: cobra.NoArgs,
	RunE: runPolicy,
}

//nolint:gochecknoinits // Cobra CLI pattern requires init for command registration
func init() {
	rootCmd.AddCommand(policyCmd)

	policyCmd.Flags().StringVar(&policyFingerprint, "fingerprint", "", "master key fingerprint, 8 hex characters (required)")
	policyCmd.Flags().StringVar(&policyXpub, "xpub", "", "account extended public key (required)")
	policyCmd.Flags().StringVar(&policyPath, "path", derivation.MustPathFor(chain.Bitcoin).String(), "account derivation path")

	_ = policyCmd.MarkFlagRequired("fingerprint")
	_ = policyCmd.MarkFlagRequired("xpub")
}

func runPolicy(cmd *cobra.Command, _ []string) error {
	cc := GetCmdContext(cmd)

	fp, err := derivation.ParseFingerprint(policyFingerprint)
	if err != nil {
		return linkerr.WithSuggestion(err, "the fingerprint is 4 bytes of hex, e.g. f0f0f0f0")
	}

	path, err := derivation.ParsePath(policyPath)
	if err != nil {
		return err
	}

	key, err := hdkeychain.NewKeyFromString(policyXpub)
	if err != nil {
		return linkerr.WithSuggestion(linkerr.WithCause(linkerr.ErrInvalidInput, err), "pass a testnet extended public key (tpub...)")
	}
	if key.IsPrivate() || !key.IsForNet(chain.BitcoinParams()) {
		return linkerr.WithSuggestion(linkerr.ErrInvalidInput, "pass a testnet extended public key (tpub...)")
	}
	if err := derivation.CheckAccountKey(policyXpub, path); err != nil {
		return linkerr.WithSuggestion(linkerr.WithCause(linkerr.ErrInvalidInput, err), "pass the account key derived at --path "+path.String())
	}

	return cc.Fmt.Print(output.NewPolicyView(derivation.BuildWalletPolicy(fp, path, policyXpub)))
}
