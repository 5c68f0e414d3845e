package main

import "github.com/spf13/cobra"

const defaultConfigPath = "gatewayd.yaml"

// buildServeCmd creates the "serve" command: ingress webhooks plus the
// media host, in one process.
func buildServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ingress webhook and media host HTTP servers",
		Long: `Start the ingress webhook and media host HTTP servers.

Ingress accepts inbound channel webhooks and publishes them to the inbound
stream without doing any agent work in-band. The media host serves
generated TTS audio and downloaded inbound attachments.

Run "gatewayd worker" and "gatewayd dispatcher" as separate processes
alongside serve; they consume the streams serve only publishes to.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

// buildWorkerCmd creates the "worker" command: the inbound consume loop.
func buildWorkerCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the inbound consume loop: preprocess, supervise, publish outbound",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

// buildDispatcherCmd creates the "dispatcher" command: the outbound
// consume loop.
func buildDispatcherCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "dispatcher",
		Short: "Run the outbound consume loop: idempotent delivery to channel adapters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDispatcher(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

// buildDoctorCmd creates the "doctor" command group.
func buildDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose a running deployment",
	}
	cmd.AddCommand(buildDoctorCheckCmd(), buildDoctorPendingCmd())
	return cmd
}

func buildDoctorCheckCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load configuration and bootstrap every component without serving traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctorCheck(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}

func buildDoctorPendingCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Report the number of un-acked entries on the inbound and outbound streams",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctorPending(cmd, configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to YAML configuration file")
	return cmd
}
