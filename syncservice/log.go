package syncservice

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "sync")
