package main

import (
	"github.com/dbhi-oss/eventflow/examples/bankaccount"
	"github.com/dbhi-oss/eventflow/manifest"
)

// builtinHandlers maps the manifest's "handler" field to the factories
// compiled into this binary. Add an entry here for every handler
// implementation the daemon needs to run.
var builtinHandlers = manifest.Registry{
	"bankaccount-projector": bankaccount.NewProjector().Factory(),
}
