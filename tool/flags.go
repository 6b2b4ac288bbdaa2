package tool

import "github.com/spf13/pflag"

// Flags holds runtime overrides from CLI flags shared by every command.
type Flags struct {
	Log        string
	ConfigPath string
}

// BindFlags registers the shared flags on fs and returns where they land.
func BindFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.Log, "log", "", "log mode: dev|prod|none")
	fs.StringVarP(&f.ConfigPath, "config", "c", ConfigPath, "config file path")
	return f
}

// Apply sets up the default logger and the config path from the flags.
func (f *Flags) Apply() {
	InitLogger()
	SetLogMode(f.Log)
	if f.ConfigPath != "" {
		ConfigPath = f.ConfigPath
	}
}
