package config

import (
	"os"
	"strconv"

	ini "gopkg.in/ini.v1"

	"vncrelay_go/internal/shared/types"
)

// LoadIni loads configuration from fileName into the passed types.Config.
// Sections are mapped onto the embedded conf structs via their ini tags.
func LoadIni(cfg *types.Config, fileName string) error {
	iniFile, err := ini.Load(fileName)
	if err != nil {
		return err
	}

	if err := iniFile.MapTo(cfg); err != nil {
		return err
	}

	overrideFromEnvInt(&cfg.RelayConf.Port, "RELAY_PORT")
	overrideFromEnvString(&cfg.LogConf.Level, "LOG_LEVEL")

	cfg.ApplyDefaults()
	return nil
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
