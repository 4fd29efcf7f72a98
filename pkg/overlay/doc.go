// SPDX-FileCopyrightText: 2023 The eva-go Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package overlay provides datagram overlays carrying EVA messages between peers.
//
// Each EVA message is wrapped into a frame, prefixed by its kind and suffixed by a CRC-16 checksum. An overlay
// hands received frames to its Mux, which dispatches them to the handlers registered for their kind. All
// overlays are unreliable and never call back synchronously from Send.
package overlay
