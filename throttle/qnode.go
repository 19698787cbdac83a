// Copyright 2026 Google LLC. All Rights Reserved.
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

package throttle

// qnode is a per-source FIFO of jobs for one direction. Each group has one
// qnode per direction for jobs queued on itself and one per direction for
// jobs it forwards to its parent's queue. Queuing through a qnode per source
// lets a ServiceQueue dispatch round-robin between sources instead of in
// arrival order.
//
// While a qnode is linked into a ServiceQueue it holds a reference on its
// owner group, so the group cannot be reclaimed with jobs in flight.
type qnode struct {
	jobs   fifo[*Job]
	owner  int32
	linked bool
}

// addJob appends job to qn and links qn at the tail of list if it was not
// linked yet.
func (t *Tree) addJob(qn *qnode, job *Job, list *fifo[*qnode]) {
	qn.jobs.push(job)
	if !qn.linked {
		list.push(qn)
		qn.linked = true
		t.ref(qn.owner)
	}
}

// peekQueued returns the first job of the first qnode in list.
func peekQueued(list *fifo[*qnode]) *Job {
	qn, ok := list.peek()
	if !ok {
		return nil
	}
	job, _ := qn.jobs.peek()
	return job
}

// popQueued removes the first job of the first qnode in list. A qnode left
// with jobs moves to the tail of list, so consecutive pops take one job from
// each source in turn. A drained qnode is unlinked; its owner is returned so
// the caller can drop the reference once it is done with the job. Otherwise
// put is -1.
func popQueued(list *fifo[*qnode]) (job *Job, put int32) {
	qn, ok := list.peek()
	if !ok {
		return nil, -1
	}
	job, _ = qn.jobs.pop()
	list.pop()
	if qn.jobs.len() > 0 {
		list.push(qn)
		return job, -1
	}
	qn.linked = false
	return job, qn.owner
}
