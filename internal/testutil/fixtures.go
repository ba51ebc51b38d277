package testutil

import "github.com/roach88/eldertree/internal/model"

// Tree returns a small well-formed hierarchy used across package tests:
//
//	grand_elder (GrandElder)
//	└── claude_elder (ClaudeElder)
//	    ├── knowledge_sage (FourSages)
//	    │   ├── knight (KnightOrder)
//	    │   └── worker_a (Workers)
//	    ├── task_sage (FourSages)
//	    │   └── worker_b (Workers)
//	    └── servant (ElderServants)
//
// Parents precede children, so the slice can be fed to AddNode in order.
func Tree() []model.Node {
	return []model.Node{
		{ID: "grand_elder", Name: "Grand Elder", Rank: model.RankGrandElder, NodeType: model.NodeIndividual},
		{ID: "claude_elder", Name: "Claude Elder", Rank: model.RankClaudeElder, NodeType: model.NodeIndividual, ParentID: "grand_elder"},
		{ID: "knowledge_sage", Name: "Knowledge Sage", Rank: model.RankFourSages, NodeType: model.NodeIndividual, SageType: model.SageKnowledge, ParentID: "claude_elder",
			Capabilities: []string{"search", "index", "summarize", "review"}},
		{ID: "task_sage", Name: "Task Sage", Rank: model.RankFourSages, NodeType: model.NodeIndividual, SageType: model.SageTask, ParentID: "claude_elder",
			Capabilities: []string{"plan", "schedule", "review", "report"}},
		{ID: "servant", Name: "Elder Servant", Rank: model.RankElderServants, NodeType: model.NodeProcess, ParentID: "claude_elder"},
		{ID: "knight", Name: "Incident Knight", Rank: model.RankKnightOrder, NodeType: model.NodeProcess, ParentID: "knowledge_sage"},
		{ID: "worker_a", Name: "Worker A", Rank: model.RankWorkers, NodeType: model.NodeProcess, ParentID: "knowledge_sage"},
		{ID: "worker_b", Name: "Worker B", Rank: model.RankWorkers, NodeType: model.NodeProcess, ParentID: "task_sage"},
	}
}
