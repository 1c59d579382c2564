package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rexliu/rpcc/pkg/logging"
	"github.com/rexliu/rpcc/pkg/rpcclient"
	"github.com/rexliu/rpcc/pkg/transport"
)

// message is one input line.
type message struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// reply is one output line. Exactly one of Result and Error is set.
type reply struct {
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func main() {
	endpoint := flag.String("endpoint", "ipc://./_dev_profile/rpcd.sock", "JSON-RPC endpoint")
	flag.Parse()

	logger := logging.New("rpcc-bridge")
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := rpcclient.Connect(ctx, *endpoint, rpcclient.WithLogger(logger.Logger))
	if err != nil {
		logger.Error().Err(err).Msg("connect failed")
		os.Exit(1)
	}
	defer client.Close()

	if err := bridge(ctx, client, os.Stdin, os.Stdout); err != nil {
		logger.Info().Err(err).Msg("bridge exiting")
	}
}

// bridge forwards each input line as a call and writes the reply as a line.
func bridge(ctx context.Context, client *rpcclient.Client[transport.Transport], in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	writer := bufio.NewWriter(out)
	defer writer.Flush()
	enc := json.NewEncoder(writer)

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return err
		}
		var msg message
		var rep reply
		if jerr := json.Unmarshal(line, &msg); jerr != nil || msg.Method == "" {
			rep.Error = fmt.Sprintf("invalid message: %v", jerr)
			if jerr == nil {
				rep.Error = "invalid message: method required"
			}
		} else {
			rep.Method = msg.Method
			var params any
			if len(msg.Params) > 0 {
				params = msg.Params
			}
			var result json.RawMessage
			if cerr := client.Request(ctx, msg.Method, params, &result); cerr != nil {
				rep.Error = cerr.Error()
			} else {
				rep.Result = result
			}
		}
		if werr := enc.Encode(rep); werr != nil {
			return werr
		}
		if werr := writer.Flush(); werr != nil {
			return werr
		}
		if err != nil {
			return err
		}
	}
}
