package ddconfig

import "errors"

var (
	errRootDirEmpty   = errors.New("ddconfig: root_dir must not be empty")
	errConfigFileRead = errors.New("ddconfig: failed to read config file")
	errConfigInvalid  = errors.New("ddconfig: invalid configuration")
)
