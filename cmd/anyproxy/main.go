package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hsuehic/anyproxy/internal/cert"
	"github.com/hsuehic/anyproxy/internal/config"
	"github.com/hsuehic/anyproxy/internal/log"
	"github.com/hsuehic/anyproxy/internal/perror"
	"github.com/hsuehic/anyproxy/internal/proxy"
	"github.com/hsuehic/anyproxy/internal/recorder"
)

const version = "0.1.0"

var (
	cfgFile   string
	overwrite bool
)

func main() {
	os.Exit(run())
}

// run maps the outcome of the selected subcommand to the exit codes a
// forward proxy's init system or shell script scripts against: 0 for a
// clean close, 1 for a configuration/CA validation failure caught before
// the listener binds, 2 for a failure to bind the listen address.
func run() int {
	if err := rootCmd.Execute(); err != nil {
		switch perror.KindOf(err) {
		case perror.BindFailed:
			return 2
		case perror.ConfigInvalid, perror.CaUnavailable:
			return 1
		default:
			return 1
		}
	}
	return 0
}

var rootCmd = &cobra.Command{
	Use:   "anyproxy",
	Short: "AnyProxy: an intercepting forward proxy with a local MITM CA",
	Long: `AnyProxy is a forward proxy that can tunnel CONNECT requests opaquely
or intercept them by terminating TLS locally against a self-issued root
certificate authority, re-originating TLS to the real upstream.`,
	RunE: func(cmd *cobra.Command, _ []string) error { return cmd.Help() },
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy in the foreground",
	RunE:  runStart,
}

var caCmd = &cobra.Command{
	Use:   "ca",
	Short: "Manage the local root certificate authority",
}

var caGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate the root CA key/certificate pair",
	RunE:  runCAGenerate,
}

var caStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether the root CA exists and is trusted by this host",
	RunE:  runCAStatus,
}

var caInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the root CA certificate into this host's trust store",
	RunE:  runCAInstall,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (built-in defaults apply when omitted)")

	caGenerateCmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing root CA")

	caCmd.AddCommand(caGenerateCmd, caStatusCmd, caInstallCmd)
	rootCmd.AddCommand(startCmd, caCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "anyproxy %s\n", version)
	},
}

func loadConfig() (*config.Manager, error) {
	return config.Load(cfgFile)
}

func caPaths(c config.Config) (dir string) {
	dir = c.CA.Dir
	if dir == "" {
		dir = filepath.Join(config.GetConfigDir(), "certificates")
	}
	return dir
}

func runStart(cmd *cobra.Command, _ []string) error {
	mgr, err := loadConfig()
	if err != nil {
		return perror.Wrap(perror.ConfigInvalid, "load config", err)
	}
	defer mgr.Close()
	c := mgr.Get()

	if err := log.Setup(c.Log.File, c.Log.Level, c.Log.FileOnly); err != nil {
		return perror.Wrap(perror.ConfigInvalid, "setup logging", err)
	}

	ca := cert.NewCA(caPaths(c))
	if ca.Exists() {
		if err := ca.Load(); err != nil {
			return err
		}
	}

	p := proxy.New(c, ca, proxy.Deps{
		RecorderSet: true,
		Recorder:    recorder.NullRecorder{},
	})
	if err := p.Start(); err != nil {
		return err
	}

	if err := mgr.Watch(func(config.Config) {
		// The running Proxy keeps the Config it was started with; the
		// reloaded snapshot is not pushed into it, so a change takes
		// effect only after a restart.
		fmt.Fprintln(cmd.ErrOrStderr(), "config changed; restart to apply it")
	}); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "config hot-reload disabled: %v\n", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-p.Errors():
		return err
	case sig := <-sigCh:
		fmt.Fprintf(cmd.OutOrStdout(), "received %s, shutting down\n", sig)
	}

	return p.Close()
}

func runCAGenerate(cmd *cobra.Command, _ []string) error {
	mgr, err := loadConfig()
	if err != nil {
		return perror.Wrap(perror.ConfigInvalid, "load config", err)
	}
	defer mgr.Close()
	c := mgr.Get()

	ca := cert.NewCA(caPaths(c))
	subject := cert.Subject{
		Country:            c.CA.Country,
		Organization:       c.CA.Organization,
		State:              c.CA.State,
		OrganizationalUnit: c.CA.OrganizationalUnit,
	}
	keyPath, certPath, err := ca.Generate(subject, overwrite)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "root CA generated:\n  key:  %s\n  cert: %s\n", keyPath, certPath)
	return nil
}

func runCAStatus(cmd *cobra.Command, _ []string) error {
	mgr, err := loadConfig()
	if err != nil {
		return perror.Wrap(perror.ConfigInvalid, "load config", err)
	}
	defer mgr.Close()
	c := mgr.Get()

	dir := caPaths(c)
	ca := cert.NewCA(dir)
	if !ca.Exists() {
		fmt.Fprintf(cmd.OutOrStdout(), "no root CA at %s; run 'anyproxy ca generate'\n", dir)
		return nil
	}
	if err := ca.Load(); err != nil {
		return err
	}
	rootCert, err := ca.Certificate()
	if err != nil {
		return err
	}
	trust := cert.IsTrusted(ca.CertPath())
	fmt.Fprintf(cmd.OutOrStdout(), "root CA at %s\n  subject:    %s\n  not after:  %s\n  trust:      %s\n  fingerprint: %s\n",
		dir, rootCert.Subject.CommonName, rootCert.NotAfter.Format("2006-01-02"), trust, cert.FingerprintSHA256(rootCert))
	return nil
}

func runCAInstall(cmd *cobra.Command, _ []string) error {
	mgr, err := loadConfig()
	if err != nil {
		return perror.Wrap(perror.ConfigInvalid, "load config", err)
	}
	defer mgr.Close()
	c := mgr.Get()

	ca := cert.NewCA(caPaths(c))
	if !ca.Exists() {
		return perror.New(perror.CaUnavailable, "root CA not found, run 'anyproxy ca generate' first")
	}
	if err := cert.InstallToTrustStore(ca.CertPath()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "root CA installed to the trust store")
	return nil
}
