package main

import (
	"encoding/hex"
	"io"
	"os"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"avl-collector/internal/codec"
	"avl-collector/internal/config"
	"avl-collector/internal/pipeline"
)

var decodeTracking bool

var decodeCmd = &cobra.Command{
	Use:   "decode [archivo.hex]",
	Short: "Decodifica una trama en hex y la imprime como JSON",
	Long: `Lee una trama Codec8E en hex (de un archivo o de stdin), la decodifica con
las mismas opciones que el servidor y escribe el resultado en JSON.

Si la entrada empieza con el handshake 000F + IMEI, éste se separa primero.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().BoolVar(&decodeTracking, "tracking", false, "imprimir objetos de tracking en vez de registros")
	rootCmd.AddCommand(decodeCmd)
}

type decodeOutput struct {
	IMEI     string                     `json:"imei,omitempty"`
	Frame    codec.Frame                `json:"frame"`
	State    string                     `json:"state"`
	Records  []codec.AVLRecord          `json:"records,omitempty"`
	Tracking []*pipeline.TrackingObject `json:"tracking,omitempty"`
	Faults   []string                   `json:"faults,omitempty"`
	Error    string                     `json:"error,omitempty"`
}

func runDecode(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	raw, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	out, err := decodeHex(string(raw), cfg)
	if err != nil {
		return err
	}
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// decodeHex decodifica texto hex (se ignoran espacios y saltos de línea).
func decodeHex(text string, cfg config.Config) (*decodeOutput, error) {
	clean := strings.Join(strings.Fields(text), "")
	buf, err := hex.DecodeString(clean)
	if err != nil {
		return nil, errors.Wrap(err, "invalid hex input")
	}

	out := &decodeOutput{}
	hsLen := 2 + cfg.IMEILength
	if len(buf) >= hsLen && buf[0] == 0x00 && buf[1] == 0x0F {
		imei, err := codec.ParseIMEI(buf[2:hsLen])
		if err != nil {
			return nil, err
		}
		out.IMEI = imei
		buf = buf[hsLen:]
	}

	res, err := codec.NewFrameDecoder(cfg.BreakBudget, cfg.CodecOptions(), nil).Decode(buf)
	out.Frame = res.Frame
	out.State = res.State.String()
	for _, f := range res.Faults {
		out.Faults = append(out.Faults, f.Error())
	}
	if err != nil {
		out.Error = err.Error()
	}
	if decodeTracking {
		for i := range res.Records {
			out.Tracking = append(out.Tracking, pipeline.FromRecord(out.IMEI, &res.Records[i], len(res.Records) > 1))
		}
	} else {
		out.Records = res.Records
	}
	return out, nil
}
