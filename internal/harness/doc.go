// Package harness runs workflow scenarios against the real engine.
//
// A scenario deploys CUE definitions into a fresh in-memory store, drives
// instances through a flow of actions, and checks the activity they
// record. Time and ids are deterministic, so the activity trace can be
// compared against a golden file.
//
// # Scenario Format
//
//	name: claim_review_timeout
//	description: "An unanswered review is rejected when it expires"
//	definitions:
//	  - ../definitions/claim_review.cue
//	start_time: "2026-05-04T09:00:00Z"
//	http:
//	  - method: POST
//	    url: https://scoring.example.com/v1/score
//	    status: 200
//	    body: { score: 710 }
//	flow:
//	  - emit: { type: claim.filed, payload: { claim_id: C-1 } }
//	    as: claim
//	    expect: { status: waiting, current_step: review }
//	  - clock: 49h
//	  - sweep: true
//	    expect: { instance: claim, status: completed, stage: denied }
//	assertions:
//	  - type: activity_order
//	    instance: claim
//	    activities: [approval.required, instance.paused, instance.resumed]
//	  - type: final_state
//	    instance: claim
//	    expect: { status: completed, stage: denied }
//
// # Actions
//
// Each flow step holds exactly one action:
//
//   - emit: deliver an event (resume waiting instances, start triggered ones)
//   - start: start a definition explicitly
//   - decide: decide the pending approval of an instance
//   - resume: resume an instance at its current suspend point
//   - cancel: cancel an instance
//   - advance: continue a yielded instance
//   - sweep: run one timeout sweep
//   - clock: move the clock forward by a duration
//
// "as" names the instance an emit or start produced so later steps and
// assertions can refer to it. Unnamed instances are referred to by id.
//
// # Assertion Types
//
//   - activity_contains: an activity entry of the given type (and step) exists
//   - activity_order: activity types appear in the given order
//   - activity_count: an activity type (and step) appears exactly N times
//   - final_state: the instance document contains the expected subset
//   - approval_state: the instance's latest approval contains the expected subset
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/claim_review_timeout.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if !result.Pass {
//		for _, msg := range result.Errors {
//			log.Println(msg)
//		}
//	}
package harness
