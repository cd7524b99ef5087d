package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "avl-collector",
	Short: "Colector TCP de tramas Teltonika Codec8 Extended",
	Long: `avl-collector recibe tramas AVL Codec8E de terminales Teltonika, decodifica
los registros GPS, IO y beacons BLE, responde los acks y reparte el resultado
a Redis, al proxy socket-tcp-proxy, al forwarder gRPC y a los clientes /live.

La configuración se toma de --config (YAML) y de variables de entorno.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "archivo YAML de configuración")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
