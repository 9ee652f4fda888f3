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

// Command porpulsionctl is a command line client for one agent's Local API:
// inspecting status, driving the peering handshake, and submitting and
// managing remote apps.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/porpulsion/porpulsion/lib/admission"
	"github.com/porpulsion/porpulsion/lib/defaults"
	"github.com/porpulsion/porpulsion/lib/localapi/client"
	"github.com/porpulsion/porpulsion/lib/workload"
	"github.com/porpulsion/porpulsion/tool/common"

	"github.com/gravitational/trace"
	kingpin "gopkg.in/alecthomas/kingpin.v2"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		common.PrintError(err)
		os.Exit(1)
	}
}

func run(args []string) error {
	app := kingpin.New("porpulsionctl", "Command line client for the agent Local API.")
	addr := app.Flag("addr", "Local API address.").Default("http://" + defaults.LocalAPIListenAddr).String()

	statusCmd := app.Command("status", "Show agent, peer and workload status.")

	peersCmd := app.Command("peers", "List known and pending peers.")

	connectCmd := app.Command("connect", "Start an outbound peering attempt.")
	connectURL := connectCmd.Arg("url", "Peer API URL to dial.").Required().String()
	connectToken := connectCmd.Arg("invite-token", "Invite token presented by the peer.").Required().String()
	connectFingerprint := connectCmd.Arg("ca-fingerprint", "Pinned CA fingerprint of the peer.").Required().String()

	cancelCmd := app.Command("cancel-connect", "Cancel a pending outbound peering attempt.")
	cancelURL := cancelCmd.Arg("url", "Peer API URL to stop dialing.").Required().String()

	inboundCmd := app.Command("inbound", "List pending inbound peering requests.")

	acceptCmd := app.Command("accept", "Accept a pending inbound peering request.")
	acceptReqID := acceptCmd.Arg("request-id", "Inbound request id.").Required().String()

	rejectCmd := app.Command("reject", "Reject a pending inbound peering request.")
	rejectReqID := rejectCmd.Arg("request-id", "Inbound request id.").Required().String()

	removeCmd := app.Command("remove-peer", "Remove a confirmed peer.")
	removeName := removeCmd.Arg("name", "Peer name.").Required().String()

	tokenCmd := app.Command("token", "Show this agent's current invite token.")

	submitCmd := app.Command("submit", "Submit a workload to a peer.")
	submitName := submitCmd.Arg("name", "Workload name.").Required().String()
	submitImage := submitCmd.Arg("image", "Container image.").Required().String()
	submitPeer := submitCmd.Flag("peer", "Target peer name. Defaults to the first known peer.").String()
	submitReplicas := submitCmd.Flag("replicas", "Replica count.").Default("1").Int32()

	appsCmd := app.Command("apps", "List submitted and executing remote apps.")

	detailCmd := app.Command("detail", "Show the full detail of one remote app.")
	detailID := detailCmd.Arg("id", "Remote app id.").Required().String()

	logsCmd := app.Command("logs", "Show log output from a remote app.")
	logsID := logsCmd.Arg("id", "Remote app id.").Required().String()
	logsTail := logsCmd.Flag("tail-lines", "Only show the last N lines.").Int64()

	scaleCmd := app.Command("scale", "Change a remote app's replica count.")
	scaleID := scaleCmd.Arg("id", "Remote app id.").Required().String()
	scaleReplicas := scaleCmd.Arg("replicas", "New replica count.").Required().Int32()

	deleteCmd := app.Command("delete", "Delete a remote app.")
	deleteID := deleteCmd.Arg("id", "Remote app id.").Required().String()

	approvalsCmd := app.Command("pending-approvals", "List apps awaiting an admission decision.")

	approveCmd := app.Command("approve", "Approve a remote app awaiting admission.")
	approveID := approveCmd.Arg("id", "Remote app id.").Required().String()

	denyCmd := app.Command("deny", "Reject a remote app awaiting admission.")
	denyID := denyCmd.Arg("id", "Remote app id.").Required().String()

	settingsCmd := app.Command("settings", "Show the current admission policy.")

	allowInboundCmd := app.Command("allow-inbound", "Toggle whether inbound remote apps are accepted at all.")
	allowInboundValue := allowInboundCmd.Arg("value", "true or false.").Required().Bool()

	requireApprovalCmd := app.Command("require-approval", "Toggle whether inbound remote apps need explicit approval.")
	requireApprovalValue := requireApprovalCmd.Arg("value", "true or false.").Required().Bool()

	cmd, err := app.Parse(args)
	if err != nil {
		return common.ProcessRunError(trace.Wrap(err))
	}

	clt, err := client.New(*addr)
	if err != nil {
		return trace.Wrap(err)
	}
	ctx := context.Background()

	switch cmd {
	case statusCmd.FullCommand():
		return cmdStatus(ctx, clt)
	case peersCmd.FullCommand():
		return cmdPeers(ctx, clt)
	case connectCmd.FullCommand():
		return clt.ConnectPeer(ctx, *connectURL, *connectToken, *connectFingerprint)
	case cancelCmd.FullCommand():
		return clt.CancelConnecting(ctx, *cancelURL)
	case inboundCmd.FullCommand():
		return cmdInbound(ctx, clt)
	case acceptCmd.FullCommand():
		return clt.AcceptInbound(ctx, *acceptReqID)
	case rejectCmd.FullCommand():
		return clt.RejectInbound(ctx, *rejectReqID)
	case removeCmd.FullCommand():
		return clt.RemovePeer(ctx, *removeName)
	case tokenCmd.FullCommand():
		return cmdToken(ctx, clt)
	case submitCmd.FullCommand():
		return cmdSubmit(ctx, clt, *submitName, *submitImage, *submitPeer, *submitReplicas)
	case appsCmd.FullCommand():
		return cmdApps(ctx, clt)
	case detailCmd.FullCommand():
		return cmdDetail(ctx, clt, *detailID)
	case logsCmd.FullCommand():
		return cmdLogs(ctx, clt, *logsID, *logsTail)
	case scaleCmd.FullCommand():
		return clt.ScaleRemoteApp(ctx, *scaleID, *scaleReplicas)
	case deleteCmd.FullCommand():
		return clt.DeleteRemoteApp(ctx, *deleteID)
	case approvalsCmd.FullCommand():
		return cmdPendingApprovals(ctx, clt)
	case approveCmd.FullCommand():
		return clt.ApproveRemoteApp(ctx, *approveID)
	case denyCmd.FullCommand():
		return clt.RejectRemoteApp(ctx, *denyID)
	case settingsCmd.FullCommand():
		return cmdSettings(ctx, clt)
	case allowInboundCmd.FullCommand():
		return cmdUpdateSetting(ctx, clt, func(s *admission.Settings) { s.AllowInboundRemoteApps = *allowInboundValue })
	case requireApprovalCmd.FullCommand():
		return cmdUpdateSetting(ctx, clt, func(s *admission.Settings) { s.RequireApproval = *requireApprovalValue })
	}
	return trace.BadParameter("unrecognized command %q", cmd)
}

func cmdStatus(ctx context.Context, clt *client.Client) error {
	report, err := clt.Status(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("agent: %v\n", report.Agent)
	common.PrintHeader("peers")
	printPeers(report.Peers)
	common.PrintHeader("local apps")
	printApps(report.LocalApps)
	common.PrintHeader("remote apps")
	printApps(report.RemoteApps)
	return nil
}

func cmdPeers(ctx context.Context, clt *client.Client) error {
	peers, err := clt.Peers(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	printPeers(peers)
	return nil
}

func printPeers(peers []client.PeerStatus) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	common.PrintTableHeader(w, []string{"Name", "URL", "Status", "Attempts", "Error"})
	for _, p := range peers {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\t%v\n", p.Name, p.URL, p.Status, p.Attempts, p.Error)
	}
	w.Flush()
}

func cmdInbound(ctx context.Context, clt *client.Client) error {
	inbound, err := clt.Inbound(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	common.PrintTableHeader(w, []string{"RequestID", "Peer", "URL", "ReceivedAt"})
	for _, in := range inbound {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\n", in.RequestID, in.PeerName, in.PeerURL, in.ReceivedAt)
	}
	w.Flush()
	return nil
}

func cmdToken(ctx context.Context, clt *client.Client) error {
	reply, err := clt.Token(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("agent:           %v\n", reply.Agent)
	fmt.Printf("self url:        %v\n", reply.SelfURL)
	fmt.Printf("invite token:    %v\n", reply.InviteToken)
	fmt.Printf("cert fingerprint: %v\n", reply.CertFingerprint)
	return nil
}

func cmdSubmit(ctx context.Context, clt *client.Client, name, image, peer string, replicas int32) error {
	spec := workload.WorkloadSpec{Image: image, Replicas: replicas}
	app, err := clt.SubmitRemoteApp(ctx, name, spec, peer)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("submitted %v (id=%v)\n", app.Name, app.ID)
	return nil
}

func cmdApps(ctx context.Context, clt *client.Client) error {
	reply, err := clt.RemoteApps(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	common.PrintHeader("submitted")
	printApps(reply.Submitted)
	common.PrintHeader("executing")
	printApps(reply.Executing)
	return nil
}

func printApps(apps []workload.RemoteApp) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	common.PrintTableHeader(w, []string{"ID", "Name", "Status", "TargetPeer"})
	for _, a := range apps {
		fmt.Fprintf(w, "%v\t%v\t%v\t%v\n", a.ID, a.Name, a.Status, a.TargetPeer)
	}
	w.Flush()
}

func cmdDetail(ctx context.Context, clt *client.Client, id string) error {
	detail, err := clt.RemoteAppDetail(ctx, id)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("id:     %v\n", detail.App.ID)
	fmt.Printf("name:   %v\n", detail.App.Name)
	fmt.Printf("status: %v\n", detail.App.Status)
	fmt.Printf("k8s:    %v\n", string(detail.K8s))
	return nil
}

func cmdLogs(ctx context.Context, clt *client.Client, id string, tailLines int64) error {
	logs, err := clt.RemoteAppLogs(ctx, id, tailLines)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Print(logs)
	return nil
}

func cmdSettings(ctx context.Context, clt *client.Client) error {
	settings, err := clt.Settings(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	fmt.Printf("allow inbound remote apps: %v\n", settings.AllowInboundRemoteApps)
	fmt.Printf("require approval:          %v\n", settings.RequireApproval)
	fmt.Printf("require resource requests: %v\n", settings.RequireResourceRequests)
	fmt.Printf("max replicas per app:      %v\n", settings.MaxReplicasPerApp)
	return nil
}

func cmdUpdateSetting(ctx context.Context, clt *client.Client, mutate func(*admission.Settings)) error {
	settings, err := clt.Settings(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	mutate(settings)
	return trace.Wrap(clt.UpdateSettings(ctx, *settings))
}

func cmdPendingApprovals(ctx context.Context, clt *client.Client) error {
	pending, err := clt.PendingApprovals(ctx)
	if err != nil {
		return trace.Wrap(err)
	}
	apps := make([]workload.RemoteApp, 0, len(pending))
	for _, p := range pending {
		apps = append(apps, p.App)
	}
	printApps(apps)
	return nil
}
