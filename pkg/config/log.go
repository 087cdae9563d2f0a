// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"fmt"
	"strings"

	"github.com/cihub/seelog"

	"github.com/optilab/collector/pkg/util/log"
)

const logDateFormat = "2006-01-02 15:04:05 MST" // see time.Format for format syntax

// SetupLogger builds a console seelog logger at the given level and installs
// it as the process logger.
func SetupLogger(logLevel string) error {
	configTemplate := `<seelog minlevel="%s">
    <outputs formatid="common">
        <console />
    </outputs>
    <formats>
        <format id="common" format="%%Date(%s) | %%LEVEL | (%%RelFile:%%Line) | %%Msg%%n"/>
    </formats>
</seelog>`
	seelogConfig := fmt.Sprintf(configTemplate, strings.ToLower(logLevel), logDateFormat)

	logger, err := seelog.LoggerFromConfigAsString(seelogConfig)
	if err != nil {
		return err
	}

	log.SetupLogger(logger, logLevel)
	return nil
}
