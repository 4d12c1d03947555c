/*
Copyright 2023 Avi Zimmerman <avi.zimmerman@gmail.com>

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

package message

import (
	"time"

	"github.com/webmeshproj/peerlink/pkg/candidate"
	"github.com/webmeshproj/peerlink/pkg/crypto"
)

// FindRequest asks a remote location to connect back.
type FindRequest struct {
	PeerURI     string         `json:"peerURI"`
	LocationID  string         `json:"locationID"`
	Context     string         `json:"context"`
	ICEUsername string         `json:"iceUsername"`
	ICEPassword string         `json:"icePassword"`
	Candidates  candidate.List `json:"candidates"`
	Final       bool           `json:"final"`
	DHPublicKey []byte         `json:"dhPublicKey,omitempty"`
	Signature   []byte         `json:"signature,omitempty"`
}

// SigningInput is the byte string covered by Signature.
func (r *FindRequest) SigningInput() []byte {
	return []byte(r.PeerURI + "\n" + r.LocationID + "\n" + r.Context + "\n" + r.ICEUsername + "\n" +
		candidate.List(r.Candidates).Version() + "\n" + crypto.DHPublicKey(r.DHPublicKey).String())
}

// FindResult acknowledges a find request.
type FindResult struct {
	PeerURI     string         `json:"peerURI"`
	LocationID  string         `json:"locationID"`
	Context     string         `json:"context"`
	ICEUsername string         `json:"iceUsername"`
	ICEPassword string         `json:"icePassword"`
	Candidates  candidate.List `json:"candidates"`
	Final       bool           `json:"final"`
	DHPublicKey []byte         `json:"dhPublicKey,omitempty"`
}

// FindNotify carries updated candidates of the sender.
type FindNotify struct {
	LocationID  string         `json:"locationID"`
	Context     string         `json:"context"`
	ICEUsername string         `json:"iceUsername"`
	ICEPassword string         `json:"icePassword"`
	Candidates  candidate.List `json:"candidates"`
	Final       bool           `json:"final"`
	DHPublicKey []byte         `json:"dhPublicKey,omitempty"`
}

// IdentifyRequest proves the sender's identity to the remote location.
type IdentifyRequest struct {
	PeerURI         string    `json:"peerURI"`
	LocationID      string    `json:"locationID"`
	TargetPeerURI   string    `json:"targetPeerURI"`
	FindSecretProof string    `json:"findSecretProof"`
	Expires         time.Time `json:"expires"`
}

// IdentifyResult acknowledges an identify request.
type IdentifyResult struct {
	PeerURI    string `json:"peerURI"`
	LocationID string `json:"locationID"`
}

// KeepAliveRequest keeps an idle session open.
type KeepAliveRequest struct {
	Expires time.Time `json:"expires"`
}

// KeepAliveResult acknowledges a keep alive.
type KeepAliveResult struct{}

// ChannelMapNotify binds an incoming relay channel to a context pair.
// Contexts are expressed from the receiver's point of view.
type ChannelMapNotify struct {
	LocalContext  string           `json:"localContext"`
	RemoteContext string           `json:"remoteContext"`
	Channel       uint32           `json:"channel"`
	Proof         *candidate.Proof `json:"proof"`
}
