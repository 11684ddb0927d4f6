// Copyright (C) The Mewas Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"github.com/methylome/mewas"
)

func main() {
	mewas.Main()
}
