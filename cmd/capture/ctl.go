package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/gesture.capture/internal/api"
	"github.com/banshee-data/gesture.capture/internal/config"
	"github.com/banshee-data/gesture.capture/internal/httputil"
)

// ctlDoer is replaced in tests.
var ctlDoer httputil.Doer

// baseURL turns a listen address such as ":8080" into a URL on this host.
func baseURL(listen string) string {
	if strings.HasPrefix(listen, "http://") || strings.HasPrefix(listen, "https://") {
		return listen
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func runCtl(ctx context.Context, args []string, cfg *config.Config, out io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: capture ctl status|health|start [participant] [test]|stop|action <label>|participant <n>")
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	c := api.NewClient(ctlDoer, baseURL(cfg.GetListen()))

	intArg := func(i int) (int, error) {
		if len(args) <= i {
			return 0, fmt.Errorf("%s requires a number", args[0])
		}
		return strconv.Atoi(args[i])
	}

	var result interface{}
	var err error
	switch args[0] {
	case "status":
		result, err = c.Status(ctx)
	case "health":
		result, err = c.Health(ctx)
	case "start":
		p, test := 0, ""
		if len(args) > 1 {
			if p, err = intArg(1); err != nil {
				return err
			}
		}
		if len(args) > 2 {
			test = args[2]
		}
		result, err = c.Start(ctx, p, test)
	case "stop":
		result, err = c.Stop(ctx)
	case "action":
		var label int
		if label, err = intArg(1); err != nil {
			return err
		}
		err = c.SetAction(ctx, label)
	case "participant":
		var n int
		if n, err = intArg(1); err != nil {
			return err
		}
		err = c.SetParticipant(ctx, n)
	default:
		return fmt.Errorf("unknown ctl command %q", args[0])
	}
	if err != nil {
		return err
	}
	if result == nil {
		fmt.Fprintln(out, "ok")
		return nil
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
