package common

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"github.com/textileio/auctionbft/logging"
)

// ParseStringSlice returns a single slice of values that may have been set by either repeating
// a flag or using comma seperation in a single flag.
// This is used to enable repeated flags as well as env vars that can't be repeated.
func ParseStringSlice(v *viper.Viper, key string) []string {
	var vals []string
	for _, val := range v.GetStringSlice(key) {
		for _, part := range strings.Split(val, ",") {
			if part = strings.TrimSpace(part); part != "" {
				vals = append(vals, part)
			}
		}
	}
	return vals
}

// ConfigureLogFilters applies the per system levels given in the log-filter flag,
// e.g. "auctiond/consensus:debug,auctiond/protocol:warn".
func ConfigureLogFilters(v *viper.Viper) error {
	levels, err := logging.ParseFilters(ParseStringSlice(v, "log-filter"))
	if err != nil {
		return err
	}
	if err := logging.SetLogLevels(levels); err != nil {
		return fmt.Errorf("set log levels: %s", err)
	}
	return nil
}
