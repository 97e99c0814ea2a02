package client

import (
	"errors"
)

var errNoServers = errors.New("no NTP servers configured")
