/*
Copyright 2018 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command porpulsion runs a single agent: it serves the operator-facing
// Local API on a loopback address and the peer-facing handshake/channel
// surface on a routable one, and supervises both until a termination signal
// arrives.
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"

	"github.com/porpulsion/porpulsion/lib/agent"
	"github.com/porpulsion/porpulsion/lib/defaults"
	"github.com/porpulsion/porpulsion/lib/localapi"
	"github.com/porpulsion/porpulsion/lib/peerapi"
	"github.com/porpulsion/porpulsion/lib/utils"
	"github.com/porpulsion/porpulsion/tool/common"

	"github.com/gravitational/trace"
	log "github.com/sirupsen/logrus"
	kingpin "gopkg.in/alecthomas/kingpin.v2"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		common.PrintError(err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("porpulsion", "Agent federation control plane daemon.")
	var (
		selfName     = app.Flag("name", "This agent's peer-visible name.").OverrideDefaultFromEnvar(defaults.AgentNameEnv).Required().String()
		selfURL      = app.Flag("self-url", "This agent's externally reachable peer-API URL.").OverrideDefaultFromEnvar(defaults.SelfURLEnv).Required().String()
		namespace    = app.Flag("namespace", "Kubernetes namespace this agent's workloads live in.").OverrideDefaultFromEnvar(defaults.AgentNamespaceEnv).Required().String()
		dataDir      = app.Flag("data-dir", "Directory holding this agent's persistence store.").Default("/var/lib/porpulsion").String()
		localAddr    = app.Flag("local-addr", "Bind address for the operator-facing Local API.").Default(defaults.LocalAPIListenAddr).String()
		peerAddr     = app.Flag("peer-addr", "Bind address for the peer-facing API.").Default(defaults.PeerAPIListenAddr).String()
		kubeconfig   = app.Flag("kubeconfig", "Path to a kubeconfig file. Defaults to in-cluster configuration.").String()
		debug        = app.Flag("debug", "Enable verbose logging.").Bool()
		logFile      = app.Flag("log-file", "Path to a file to additionally log to.").Default("/var/log/porpulsion.log").String()
		buildVersion = app.Flag("build-version", "Version string advertised to peers.").Default("dev").String()
	)
	if _, err := app.Parse(args); err != nil {
		return common.ProcessRunError(trace.Wrap(err))
	}

	level := log.InfoLevel
	if *debug {
		level = log.DebugLevel
	}
	utils.InitLogging(level, *logFile)

	k8sClient, err := getKubeClient(*kubeconfig)
	if err != nil {
		return trace.Wrap(err)
	}

	a, err := agent.New(agent.Config{
		SelfName:     *selfName,
		SelfURL:      *selfURL,
		BuildVersion: *buildVersion,
		DataDir:      *dataDir,
		Namespace:    *namespace,
		K8sClient:    k8sClient,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	localHandler, err := localapi.New(localapi.Config{Agent: a})
	if err != nil {
		return trace.Wrap(err)
	}
	peerHandler, err := peerapi.New(peerapi.Config{Peering: a.Peering, Channels: a.Channels})
	if err != nil {
		return trace.Wrap(err)
	}

	cert, err := a.Identity.TLSCertificate()
	if err != nil {
		return trace.Wrap(err)
	}

	localServer := &http.Server{Addr: *localAddr, Handler: localHandler}
	peerServer := &http.Server{
		Addr:    *peerAddr,
		Handler: peerHandler,
		TLSConfig: &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.NoClientCert,
		},
	}

	if err := a.Start(); err != nil {
		return trace.Wrap(err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	stopper := stopperFunc(func(stopCtx context.Context) error {
		localServer.Shutdown(stopCtx)
		peerServer.Shutdown(stopCtx)
		a.Close()
		return nil
	})
	utils.WatchTerminationSignals(ctx, cancel, stopper, log.StandardLogger())

	go func() {
		log.WithField("addr", *localAddr).Info("Starting Local API.")
		if err := localServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Local API exited.")
		}
		cancel()
	}()
	go func() {
		log.WithField("addr", *peerAddr).Info("Starting peer API.")
		if err := peerServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Peer API exited.")
		}
		cancel()
	}()

	<-ctx.Done()
	return nil
}

type stopperFunc func(context.Context) error

func (f stopperFunc) Stop(ctx context.Context) error {
	return f(ctx)
}

// getKubeClient returns a client to the Kubernetes cluster using in-cluster
// configuration if configPath is empty, falling back to the kubeconfig at
// configPath otherwise.
func getKubeClient(configPath string) (kubernetes.Interface, error) {
	var config *rest.Config
	var err error
	if configPath == "" {
		config, err = rest.InClusterConfig()
	} else {
		config, err = clientcmd.BuildConfigFromFlags("", configPath)
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return client, nil
}
