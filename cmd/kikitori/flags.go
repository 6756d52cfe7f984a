package main

import (
	"flag"

	"github.com/MrWong99/kikitori/internal/config"
)

const defaultConfigPath = "kikitori.yaml"

// cliFlags are the command line overrides of the configuration file.
type cliFlags struct {
	configPath  string
	device      int
	listDevices bool
	language    string
	decibel     float64
}

func registerFlags(fs *flag.FlagSet) *cliFlags {
	f := &cliFlags{}
	fs.StringVar(&f.configPath, "config", defaultConfigPath, "path to the YAML configuration file")
	fs.IntVar(&f.device, "device", -1, "capture device index (-1 = default device)")
	fs.BoolVar(&f.listDevices, "list-devices", false, "print capture devices and exit")
	fs.StringVar(&f.language, "lang", config.DefaultLanguage, "recognition language (BCP-47)")
	fs.Float64Var(&f.decibel, "decibel", config.DefaultSilentDecibel, "speech threshold in dB")
	return f
}

// apply copies every flag that was set explicitly into cfg and validates
// the result.
func (f *cliFlags) apply(fs *flag.FlagSet, cfg *config.Config) error {
	fs.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "device":
			d := f.device
			cfg.Audio.DeviceIndex = &d
		case "list-devices":
			cfg.Audio.ListDevices = f.listDevices
		case "lang":
			cfg.Recognition.Language = f.language
		case "decibel":
			cfg.VAD.SilentDecibel = f.decibel
		}
	})
	return config.Validate(cfg)
}
