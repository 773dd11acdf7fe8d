package runtimeservice

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "runtime")
