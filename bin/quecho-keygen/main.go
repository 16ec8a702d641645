package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"git.sr.ht/~rumpelsepp/quecho"
	"git.sr.ht/~rumpelsepp/quecho/quechohelper"
)

var (
	root   string
	client bool
	force  bool
)

func namespace() quechohelper.Namespace {
	ns := quechohelper.ServerNamespace
	if client {
		ns = quechohelper.ClientNamespace
	}
	ns.Root = root
	return ns
}

var rootCmd = &cobra.Command{
	Use:          "quecho-keygen",
	Short:        "Manage quecho identities and trusted peers",
	SilenceUsage: true,
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Create the identity if there is none and print its fingerprint",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ns := namespace()
		if force {
			if err := quechohelper.RemoveIdentity(ns); err != nil {
				return err
			}
		}

		id, err := quechohelper.LoadOrCreateIdentity(ns)
		if err != nil {
			return err
		}

		fmt.Println(id.Fingerprint())
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the fingerprint of the stored identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := quechohelper.LoadIdentity(namespace())
		if err != nil {
			return err
		}

		fmt.Println(id.Fingerprint())
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <path>",
	Short: "Write the certificate of the stored identity to path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := quechohelper.LoadIdentity(namespace())
		if err != nil {
			return err
		}

		return quechohelper.ExportCertificate(id, args[0])
	},
}

var importCmd = &cobra.Command{
	Use:   "import <certificate>",
	Short: "Store a server certificate as trusted peer of the client",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		der, err := quechohelper.ReadCertificateFile(args[0])
		if err != nil {
			return err
		}

		ns := quechohelper.ClientNamespace
		ns.Root = root
		if err := quechohelper.StoreTrustedPeer(ns, der); err != nil {
			return err
		}

		fp, err := quecho.FingerprintFromCertificate(der)
		if err != nil {
			return err
		}
		fmt.Printf("trusting %s\n", fp)
		return nil
	},
}

var pinCmd = &cobra.Command{
	Use:   "pin <certificate> <alias> <pin-file>",
	Short: "Append the fingerprint of a certificate to a pin file",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		der, err := quechohelper.ReadCertificateFile(args[0])
		if err != nil {
			return err
		}

		fp, err := quecho.FingerprintFromCertificate(der)
		if err != nil {
			return err
		}

		return quechohelper.AddPinnedFingerprint(args[2], fp, args[1])
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&root, "root", "", "Use this directory instead of the user config directory")
	rootCmd.PersistentFlags().BoolVar(&client, "client", false, "Operate on the client identity")
	generateCmd.Flags().BoolVarP(&force, "force", "f", false, "Replace an existing identity")

	rootCmd.AddCommand(generateCmd, showCmd, exportCmd, importCmd, pinCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
