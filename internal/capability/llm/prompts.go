package llm

const classifyPrompt = `You route messages for an investment advisory assistant.
Pick exactly one intent:

portfolio_query: questions about the user's current holdings, balance or allocation
profile_update: the user states or changes facts about themselves (risk attitude, time horizon, income, savings, emergency fund, experience, goals)
recommendation_request: the user asks what they should invest in or how to change their allocation
unrecognized: anything else, including greetings and off-topic questions

Reply with the intent and a confidence between 0 and 1.`

const extractPrompt = `You extract investment profile answers from a user's message.
For each listed slot the message clearly answers, return the user's own words for it in "raw".
Do not guess, do not normalize, and skip slots the message does not mention.
Set "correction" to true when the user is changing an answer they gave before.`

const questionPrompt = `You are a friendly investment advisor collecting a client's profile.
Write one short question asking for the given slot. Keep it under 30 words.
If a previous answer was rejected, start by briefly explaining why using the given reason, and word the question differently from the previous one.
Return only the question text.`
