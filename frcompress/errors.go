// Copyright 2019 Michael J. Fromberger. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package frcompress

import "errors"

// errNoSuchRecord is returned internally when a Write targets a record
// whose predecessor has never been committed to the index; the caller
// would be creating a hole in the record sequence.
var errNoSuchRecord = errors.New("frcompress: no index entry for the preceding record")
