// Copyright 2025 The go-highway Authors. SPDX-License-Identifier: Apache-2.0

// Command perftune tunes annotated C and CUDA sources empirically.
//
// Usage:
//
//	perftune tune axpy.c                       # writes _axpy.c
//	perftune tune --in-place --jobs 8 axpy.c
//	perftune tune --emulate --log search.log matmult.c
//	perftune space matmult.c                   # parameter spaces of every block
//	perftune gen --index 3 --harness axpy.c    # one variant and its timing program
//
// Flags may also be set in ./perftune.yaml (or the file named by --config) and
// in PERFTUNE_* environment variables, e.g. PERFTUNE_JOBS=8.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := newRootCmd().ExecuteContext(ctx)
	klog.Flush()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:           "perftune",
		Short:         "Annotation-driven empirical autotuner for C and CUDA loops",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(v, cmd.Flags())
		},
	}
	root.PersistentFlags().String("config", "", "config file (default ./perftune.yaml if present)")

	klogFlags := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	root.AddCommand(newTuneCmd(v), newSpaceCmd(v), newGenCmd(v))
	return root
}

// loadConfig reads the config file and the environment, then binds flags so
// that explicitly set flags take precedence.
func loadConfig(v *viper.Viper, flags *pflag.FlagSet) error {
	v.SetEnvPrefix("PERFTUNE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cfg, _ := flags.GetString("config")
	if cfg != "" {
		v.SetConfigFile(cfg)
	} else {
		v.SetConfigName("perftune")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfg != "" || !errors.As(err, &notFound) {
			return errors.Wrap(err, "reading config")
		}
	} else {
		klog.V(1).Infof("perftune: using config %s", v.ConfigFileUsed())
	}
	return errors.Wrap(v.BindPFlags(flags), "binding flags")
}

// readSource reads an annotated source file.
func readSource(path string) ([]byte, error) {
	src, err := os.ReadFile(path)
	return src, errors.Wrapf(err, "reading %s", path)
}
