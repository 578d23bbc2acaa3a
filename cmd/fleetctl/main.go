// Package main 舰队编排命令行入口
//
// 退出码即编排结果码：
//
//	0 成功  1 恢复后成功  2 失败已回滚  3 需要人工介入
//	4 漂移低于阈值  5 漂移超过阈值
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"uci-fleet/internal/config"
	"uci-fleet/internal/shared/model"
)

var (
	configDir string
	outputFmt string
	logLevel  string

	fleet *app
)

// exitCode 携带结果码的错误，main 按它退出
type exitCode model.ResultCode

func (c exitCode) Error() string {
	return model.ResultCode(c).String()
}

// result 非零结果码转为 exitCode 错误
func result(code model.ResultCode) error {
	if code == model.ResultSuccess {
		return nil
	}
	return exitCode(code)
}

var rootCmd = &cobra.Command{
	Use:           "fleetctl",
	Short:         "Roll out UCI configuration to a fleet of OpenWrt routers",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if outputFmt != "text" && outputFmt != "json" {
			return fmt.Errorf("unknown output format %q", outputFmt)
		}
		if configDir != "" {
			dir := configDir
			// 支持直接指定 YAML 文件路径
			if strings.HasSuffix(dir, ".yaml") || strings.HasSuffix(dir, ".yml") {
				dir = filepath.Dir(dir)
			}
			config.SetConfigDir(dir)
		}
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		fleet, err = newApp(cmd.Context(), cfg)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "config directory (or YAML file path)")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "text", "output format: text or json")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if fleet != nil {
		fleet.Close()
	}

	var code exitCode
	switch {
	case err == nil:
		return
	case errors.As(err, &code):
		os.Exit(int(code))
	default:
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(int(model.ResultManualIntervention))
	}
}
