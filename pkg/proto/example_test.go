package proto

import "fmt"

func ExampleNewEnvelope() {
	req, err := NewEnvelope(EnvelopeParams{
		Type:           MsgTypeFindWines,
		Payload:        FindWinesRequest{Wine: WineRecommendation{Name: "Sancerre"}, Budget: 40, MaxResults: 5},
		SourceAgent:    AgentCoordinator,
		TargetAgent:    AgentShopper,
		ConversationID: "conv-42",
		CorrelationID:  "corr-7",
		Priority:       PriorityHigh,
	})
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	reply := NewReply(req, AgentShopper, OK(FindWinesReply{Wines: []WineOption{{Name: "Sancerre 2022", Price: 32}}}))
	result := ResultFromEnvelope(reply)
	wines, _ := DecodePayload[FindWinesReply](result.Data)

	fmt.Println(reply.Type, reply.CorrelationID == req.CorrelationID, wines.Wines[0].Name)
	// Output: response true Sancerre 2022
}
