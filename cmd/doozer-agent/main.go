// Command doozer-agent is the worker process: it claims build jobs from a
// buildmaster, executes them, and uploads artifacts, per spec §4.5. Flags
// follow the teacher's plain flag-package idiom.
package main

import (
	"flag"
	"log"
	"strings"

	"github.com/doozer-build/doozer"
	"github.com/doozer-build/doozer/internal/agent"
)

var (
	buildmasterURL = flag.String("buildmaster_url",
		"http://localhost:8080",
		"base URL of the buildmaster to poll for jobs")

	agentID = flag.String("agent",
		"",
		"this agent's identifier")

	secret = flag.String("secret",
		"",
		"this agent's shared secret")

	projectsDir = flag.String("projects_dir",
		"/var/lib/doozer/agent",
		"directory for project heaps (checkout/workdir scratch areas)")

	targets = flag.String("targets",
		"",
		"comma-separated list of build targets this agent accepts")

	buildUID = flag.Int("build_uid", 0, "uid to drop privileges to before running a build script")
	buildGID = flag.Int("build_gid", 0, "gid to drop privileges to before running a build script")
)

func main() {
	flag.Parse()
	log.SetPrefix("doozer-agent: ")

	if *agentID == "" || *secret == "" {
		log.Fatal("-agent and -secret are required")
	}

	ctx, canc := doozer.InterruptibleContext()
	defer canc()

	a := agent.New(agent.Config{
		BuildmasterURL: *buildmasterURL,
		AgentID:        *agentID,
		Secret:         *secret,
		ProjectsDir:    *projectsDir,
		Targets:        strings.Split(*targets, ","),
		BuildUID:       *buildUID,
		BuildGID:       *buildGID,
	})

	if err := a.Run(ctx); err != nil {
		log.Fatal(err)
	}
	doozer.RunAtExit()
}
