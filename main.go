package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cli "github.com/jawher/mow.cli"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/bilbercode/lykyn-sync/internal/api"
	"github.com/bilbercode/lykyn-sync/internal/bridge"
	"github.com/bilbercode/lykyn-sync/internal/config"
	"github.com/bilbercode/lykyn-sync/internal/devices"
	"github.com/bilbercode/lykyn-sync/internal/logging"
	"github.com/bilbercode/lykyn-sync/internal/lykyn"
	"github.com/bilbercode/lykyn-sync/internal/presets"
	"github.com/bilbercode/lykyn-sync/internal/recorder"
)

const (
	appName = "lykyn-sync"
	appDesc = "Lykyn grow kit cloud client"
)

func main() {
	app := cli.App(appName, appDesc)

	configPath := app.String(cli.StringOpt{
		Name:   "c config",
		Desc:   "YAML configuration file",
		EnvVar: "LYKYN_CONFIG",
		Value:  "",
	})

	email := app.String(cli.StringOpt{
		Name:   "email",
		Desc:   "lykyn account email",
		EnvVar: "LYKYN_EMAIL",
		Value:  "",
	})

	password := app.String(cli.StringOpt{
		Name:      "password",
		Desc:      "lykyn account password",
		EnvVar:    "LYKYN_PASSWORD",
		Value:     "",
		HideValue: true,
	})

	load := func() *config.Config {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("failed to load configuration")
		}
		if *email != "" {
			cfg.Credentials.Email = *email
		}
		if *password != "" {
			cfg.Credentials.Password = *password
		}
		if err := cfg.RequireCredentials(); err != nil {
			log.WithError(err).Fatal("missing credentials")
		}
		logging.Configure(cfg.Logging)
		return cfg
	}

	app.Command("run", "keep the device cache in sync and serve the local API, MQTT bridge and recorder", func(cmd *cli.Cmd) {
		cmd.Action = func() {
			if err := run(load()); err != nil {
				log.WithError(err).Fatal("stopped")
			}
		}
	})

	app.Command("devices", "list the devices of the account", func(cmd *cli.Cmd) {
		cmd.Action = func() {
			withClient(load(), false, func(ctx context.Context, client *lykyn.Client) error {
				if _, err := client.GetDevices(ctx); err != nil {
					return err
				}
				if _, err := client.GetOnlineDevices(ctx); err != nil {
					return err
				}
				out := make([]api.Device, 0)
				for _, id := range client.DeviceIDs() {
					if d, ok := client.Device(id); ok {
						out = append(out, describe(client, d))
					}
				}
				return printJSON(out)
			})
		}
	})

	app.Command("device", "show one device", func(cmd *cli.Cmd) {
		id := cmd.StringArg("ID", "", "device id")
		cmd.Action = func() {
			withClient(load(), false, func(ctx context.Context, client *lykyn.Client) error {
				d, err := client.GetDevice(ctx, *id)
				if err != nil {
					return err
				}
				return printJSON(describe(client, d))
			})
		}
	})

	app.Command("history", "show the recorded sensor history of a device", func(cmd *cli.Cmd) {
		cmd.Spec = "[--limit] ID"
		limit := cmd.IntOpt("l limit", lykyn.DefaultHistoryLimit, "number of entries, newest first")
		id := cmd.StringArg("ID", "", "device id")
		cmd.Action = func() {
			withClient(load(), false, func(ctx context.Context, client *lykyn.Client) error {
				data, err := client.GetDeviceHistory(ctx, *id, *limit)
				if err != nil {
					return err
				}
				return printJSON(api.History{Data: data})
			})
		}
	})

	app.Command("online", "list the ids of the devices currently online", func(cmd *cli.Cmd) {
		cmd.Action = func() {
			withClient(load(), false, func(ctx context.Context, client *lykyn.Client) error {
				ids, err := client.GetOnlineDevices(ctx)
				if err != nil {
					return err
				}
				return printJSON(ids)
			})
		}
	})

	app.Command("set", "merge a JSON settings object into a device's info", func(cmd *cli.Cmd) {
		id := cmd.StringArg("ID", "", "device id")
		settings := cmd.StringArg("SETTINGS", "", `JSON object, e.g. '{"smart":{"airinOn":7}}'`)
		cmd.Action = func() {
			var partial devices.Info
			if err := json.Unmarshal([]byte(*settings), &partial); err != nil {
				log.WithError(err).Fatal("settings must be a JSON object")
			}
			if err := presets.Validate(partial); err != nil {
				log.WithError(err).Fatal("invalid settings")
			}
			withClient(load(), true, func(ctx context.Context, client *lykyn.Client) error {
				return client.UpdateDeviceSetting(ctx, *id, partial)
			})
		}
	})

	app.Command("preset", "apply a mushroom growth preset to a device", func(cmd *cli.Cmd) {
		id := cmd.StringArg("ID", "", "device id")
		name := cmd.StringArg("PRESET", "", "preset name, see --list")
		cmd.Spec = "--list | (ID PRESET)"
		list := cmd.BoolOpt("list", false, "print the known presets")
		cmd.Action = func() {
			if *list {
				for _, n := range presets.Names() {
					p, _ := presets.Lookup(n)
					fmt.Printf("%-24s %-28s %d-%d°C %d-%d%%\n", p.Name, p.Label, p.MinTemp, p.MaxTemp, p.MinHum, p.MaxHum)
				}
				return
			}
			withClient(load(), true, func(ctx context.Context, client *lykyn.Client) error {
				return client.ApplyPreset(ctx, *id, *name)
			})
		}
	})

	app.Command("light", "switch the light of a device on or off, or start an animation", func(cmd *cli.Cmd) {
		cmd.Spec = "ID (STATE | --animation)"
		id := cmd.StringArg("ID", "", "device id")
		state := cmd.StringArg("STATE", "", "on or off")
		animation := cmd.StringOpt("a animation", "", "light animation, one of "+strings.Join(presets.LightAnimations, ", "))
		cmd.Action = func() {
			if *animation == "" && *state != "on" && *state != "off" {
				log.WithField("state", *state).Fatal("light state must be on or off")
			}
			withClient(load(), true, func(ctx context.Context, client *lykyn.Client) error {
				if *animation != "" {
					return client.SetLightAnimation(ctx, *id, *animation)
				}
				return client.SetLight(ctx, *id, *state == "on")
			})
		}
	})

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("failed to execute application")
	}
}

// withClient logs in, fills the cache and runs fn. Commands that write
// settings need the realtime channel as well.
func withClient(cfg *config.Config, realtime bool, fn func(ctx context.Context, client *lykyn.Client) error) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := lykyn.New(lykyn.OptionsFromConfig(cfg))
	if err != nil {
		log.WithError(err).Fatal("failed to create client")
	}
	defer client.Close()

	if err := func() error {
		if _, err := client.Authenticate(ctx); err != nil {
			return err
		}
		if realtime {
			if _, err := client.GetDevices(ctx); err != nil {
				return fmt.Errorf("failed to fetch devices: %w", err)
			}
			if err := client.ConnectRealtime(ctx); err != nil {
				return err
			}
		}
		return fn(ctx, client)
	}(); err != nil {
		client.Close()
		log.WithError(err).Fatal("command failed")
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := lykyn.New(lykyn.OptionsFromConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	group, ctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		httpAPI := api.NewHTTPAPI()
		group.Go(func() error {
			return httpAPI.Start(ctx, cfg.API.Addr)
		})
		defer httpAPI.SetClient(nil)
		// the API answers 503 until the client is ready
		group.Go(func() error {
			if err := client.Setup(ctx); err != nil {
				return err
			}
			httpAPI.SetClient(client)
			return nil
		})
	} else if err := client.Setup(ctx); err != nil {
		return err
	}

	if cfg.MQTT.Enabled {
		group.Go(func() error {
			b, err := bridge.Dial(client, cfg.MQTT)
			if err != nil {
				return err
			}
			return b.Start(ctx)
		})
	}

	if cfg.InfluxDB.Enabled {
		group.Go(func() error {
			rec, err := recorder.Connect(cfg.InfluxDB)
			if err != nil {
				return err
			}
			defer rec.Close()
			return rec.Start(ctx, client)
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		return nil
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func describe(client *lykyn.Client, d devices.Device) api.Device {
	return api.Device{
		ID:              d.ID,
		Name:            d.Name,
		Online:          client.IsOnline(d.ID),
		FirmwareVersion: d.FirmwareVersion(),
		Info:            d.Info,
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
